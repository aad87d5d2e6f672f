// Command dmhub is the device management hub. It stores device twins, relays direct
// methods to devices and accepts device connections over REST and MQTT.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/joeshaw/envdecode"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/dmpatterns/core/csql"
	"github.com/relabs-tech/dmpatterns/core/logger"
	"github.com/relabs-tech/dmpatterns/iot/mqtt"
	"github.com/relabs-tech/dmpatterns/iot/twin"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres            string `env:"POSTGRES,optional" description:"the connection string for the Postgres DB without password, twins are kept in memory if empty"`
	PostgresPassword    string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	Schema              string `env:"SCHEMA,optional,default=dm" description:"the database schema of the twin table"`
	SharedAccessKey     string `env:"SHARED_ACCESS_KEY,required" description:"the base64 encoded shared access key of the hub"`
	SharedAccessKeyName string `env:"SHARED_ACCESS_KEY_NAME,optional,default=service" description:"the name of the hub's shared access key"`
	ListenAddress       string `env:"LISTEN_ADDRESS,optional,default=:3000" description:"the address of the REST API"`
	LogLevel            string `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
	KafkaBrokers        string `env:"KAFKA_BROKERS,optional" description:"comma separated Kafka brokers which receive twin changes, disabled if empty"`
	KafkaTopic          string `env:"KAFKA_TOPIC,optional,default=twin-changes" description:"the Kafka topic for twin changes"`
	MQTTListenAddress   string `env:"MQTT_LISTEN_ADDRESS,optional,default=:8883" description:"the TLS address of the MQTT broker"`
	MQTTCertFile        string `env:"MQTT_CERT_FILE,optional" description:"the X.509 certificate of the MQTT broker, broker disabled if empty"`
	MQTTKeyFile         string `env:"MQTT_KEY_FILE,optional" description:"the X.509 private key of the MQTT broker"`
	MQTTCACertFile      string `env:"MQTT_CA_CERT_FILE,optional" description:"the certificate authority of device client certificates"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()

	var store twin.Store
	if len(service.Postgres) > 0 {
		db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
		defer db.Close()
		store = twin.NewPostgresStore(db)
	} else {
		rlog.Warnln("POSTGRES not set, twins are kept in memory")
		store = twin.NewMemoryStore()
	}
	if len(service.KafkaBrokers) > 0 {
		notifier := twin.NewKafkaNotifier(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer notifier.Close()
		store = &twin.NotifyingStore{Store: store, Notifier: notifier}
		rlog.Infoln("twin changes go to kafka topic", service.KafkaTopic)
	}

	hub := newHub(&hubConfig{
		Store:               store,
		SharedAccessKey:     service.SharedAccessKey,
		SharedAccessKeyName: service.SharedAccessKeyName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	if len(service.MQTTCertFile) > 0 {
		broker := mqtt.NewBroker(&mqtt.Builder{
			Store:         store,
			Relay:         hub.relay,
			Verifier:      hub.verifier,
			ListenAddress: service.MQTTListenAddress,
			CertFile:      service.MQTTCertFile,
			KeyFile:       service.MQTTKeyFile,
			CACertFile:    service.MQTTCACertFile,
		})
		hub.setPublisher(broker)
		group.Go(func() error {
			return broker.Run(ctx)
		})
	}

	server := &http.Server{
		Addr:              service.ListenAddress,
		Handler:           handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(hub.router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		rlog.Infoln("listen on", service.ListenAddress)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		rlog.WithError(err).Fatalln("hub stopped")
	}
	rlog.Infoln("hub stopped")
}
