package main

import (
	"context"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/punchamoorthee/trustgate/internal/api"
	"github.com/punchamoorthee/trustgate/internal/config"
	"github.com/punchamoorthee/trustgate/internal/logx"
	"github.com/punchamoorthee/trustgate/internal/payment"
	"github.com/punchamoorthee/trustgate/internal/qr"
	"github.com/punchamoorthee/trustgate/internal/service"
	"github.com/punchamoorthee/trustgate/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logx.Setup(cfg.LogLevel, cfg.Env)

	dbPool, err := store.NewPool(context.Background(), cfg.DBSource)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer dbPool.Close()

	codec, err := qr.NewCodec(cfg.QRSecretKey)
	if err != nil {
		log.Fatal().Err(err).Msg("qr codec init failed")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram bot init failed")
	}

	gateway, err := payment.NewCardGateway(cfg.CardGateShopID, cfg.CardGateSecret, cfg.CardGateBaseURL, cfg.CardGateAllowed)
	if err != nil {
		log.Fatal().Err(err).Msg("card gateway init failed")
	}
	stars := payment.NewStarsProvider(bot, cfg.WebhookSecret)

	// Initialize Layers
	ledger := store.NewTokenLedger(dbPool)
	orders := store.NewOrderStore(dbPool)
	qrSvc := service.NewQRService(codec, ledger)
	paySvc := service.NewPaymentService(orders, gateway, stars)
	handler := api.NewHandler(cfg.BotToken, cfg.InitDataMaxAge, qrSvc, paySvc, orders)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.Health).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/auth/telegram", handler.AuthTelegram).Methods("POST")
	apiV1.HandleFunc("/qr", handler.IssueQR).Methods("POST")
	apiV1.HandleFunc("/qr/validate", handler.ValidateQR).Methods("POST")
	apiV1.HandleFunc("/orders", handler.CreateOrder).Methods("POST")
	apiV1.HandleFunc("/orders/{id}", handler.GetOrder).Methods("GET")
	apiV1.HandleFunc("/orders/{id}/refund", handler.RefundOrder).Methods("POST")
	apiV1.HandleFunc("/payments", handler.CreatePayment).Methods("POST")

	r.HandleFunc("/webhooks/{provider}", handler.Webhook).Methods("POST")

	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
