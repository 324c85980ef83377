package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-io/mqttws/session"
	"github.com/golang-io/mqttws/transport"
	"golang.org/x/sync/errgroup"
)

func main() {
	host := flag.String("host", "127.0.0.1", "WebSocket server host")
	port := flag.Int("port", 8443, "WebSocket server port")
	path := flag.String("path", "/mqtt", "WebSocket upgrade path")
	clientID := flag.String("clientid", "mqttws-client", "MQTT client id")
	topic := flag.String("topic", "a/b/c", "topic to subscribe to and publish on")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())

	certCheck := transport.Full
	if *insecure {
		certCheck = transport.DontCheckCerts
	}
	s := session.New(*clientID,
		func(topic string, payload []byte, qos uint8) {
			log.Printf("[MESSAGE] topic=%s qos=%d payload=%s", topic, qos, payload)
		},
		func(packetID uint16) {
			log.Printf("[PUBACK] packet_id=%d", packetID)
		},
		session.WithCertCheck(certCheck),
	)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel()
		ignore := make(chan os.Signal, 1)
		sign := make(chan os.Signal, 1)
		signal.Notify(ignore, syscall.SIGHUP)
		signal.Notify(sign, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sign:
			return fmt.Errorf("got signal: %s", sig)
		}
	})

	group.Go(func() error {
		if err := s.Connect(ctx, *host, *port, *path, 10*time.Second); err != nil {
			return err
		}
		if err := s.Subscribe(*topic, 1); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return s.Disconnect(context.Background(), 4*time.Second)
			default:
			}
			if err := s.Service(ctx, 1000); err != nil {
				return err
			}
		}
	})

	group.Go(func() error {
		tick := time.NewTicker(5 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
				if _, err := s.Publish(*topic, []byte(time.Now().Format(time.RFC3339)), 1, false); err != nil {
					log.Printf("[PUBLISH_ERROR] %v", err)
				}
			}
		}
	})

	if err := group.Wait(); err != nil {
		log.Fatal(err)
	}
}
