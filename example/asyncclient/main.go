package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haxii/fastconduit/conduit"
	"github.com/haxii/fastconduit/metrics"
	"github.com/haxii/log/v2"
)

func main() {
	config := flag.String("config", "", "YAML file with factory properties and the client policy")
	address := flag.String("url", "http://127.0.0.1:8080/", "target address, hc:// prefixed addresses are accepted")
	method := flag.String("method", http.MethodPost, "request method")
	body := flag.String("body", "", "request body, stdin if -")
	times := flag.Int("n", 1, "number of requests sent concurrently")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address")
	flag.Parse()

	cfg := &conduit.Config{Properties: conduit.Properties{}, ClientPolicy: conduit.DefaultClientPolicy()}
	if len(*config) > 0 {
		var err error
		if cfg, err = conduit.LoadConfig(*config); err != nil {
			log.Errorf(err, "fail to load config")
			os.Exit(1)
		}
	}
	factory, err := conduit.NewFactory(cfg.Properties)
	if err != nil {
		log.Errorf(err, "fail to make factory")
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		factory.BusShutdown(ctx)
	}()

	if len(*metricsAddr) > 0 {
		h, err := metrics.Handler(factory)
		if err != nil {
			log.Errorf(err, "fail to register metrics")
			os.Exit(1)
		}
		go func() {
			if err := http.ListenAndServe(*metricsAddr, h); err != nil {
				log.Errorf(err, "metrics server stopped")
			}
		}()
	}

	c, err := factory.CreateConduit(conduit.EndpointInfo{Address: *address, ClientPolicy: cfg.ClientPolicy})
	if err != nil {
		log.Errorf(err, "fail to make conduit")
		os.Exit(1)
	}
	defer c.Close()

	payload := []byte(*body)
	if *body == "-" {
		if payload, err = io.ReadAll(os.Stdin); err != nil {
			log.Errorf(err, "fail to read stdin")
			os.Exit(1)
		}
	}

	results := make(chan string, *times)
	for i := 0; i < *times; i++ {
		msg := &conduit.Message{
			Method: *method,
			Async:  true,
			OnResponse: func(resp *conduit.Response, err error) {
				if err != nil {
					results <- fmt.Sprintf("error: %s", err)
					return
				}
				defer resp.Body.Close()
				data, err := io.ReadAll(resp.Body)
				if err != nil {
					results <- fmt.Sprintf("%s, body error: %s", resp.Status, err)
					return
				}
				results <- fmt.Sprintf("%s, %d bytes\n%s", resp.Status, len(data), data)
			},
		}
		if len(payload) > 0 {
			msg.ContentType = "text/plain"
		}
		out, err := c.Prepare(msg)
		if err != nil {
			log.Errorf(err, "fail to prepare request")
			os.Exit(1)
		}
		if _, err := out.Write(payload); err != nil {
			log.Errorf(err, "fail to write request body")
		}
		if err := out.Close(); err != nil {
			log.Errorf(err, "fail to send request")
		}
	}
	for i := 0; i < *times; i++ {
		fmt.Println(strings.TrimSpace(<-results))
	}
}
