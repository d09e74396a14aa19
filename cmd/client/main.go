// Package main provides a command-line client that connects to a wsbus server,
// prints the events it receives, and emits events given on the command line
// or typed on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/wsbus/pkg/client"
)

// listFlag collects a repeatable flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// emission is one event to send after each connect.
type emission struct {
	data  any
	event string
}

// parseEmit reads "event" or "event=json". Data that is not valid JSON is
// sent as a string.
func parseEmit(s string) (emission, error) {
	event, raw, hasData := strings.Cut(s, "=")
	event = strings.TrimSpace(event)
	if event == "" {
		return emission{}, fmt.Errorf("emit %q: missing event name", s)
	}
	em := emission{event: event}
	if !hasData {
		return em, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		em.data = raw
		return em, nil
	}
	em.data = v
	return em, nil
}

// buildURL assembles the WebSocket URL from the address, path and params.
func buildURL(addr, path string, insecure bool, params []string) (string, error) {
	scheme := "wss"
	if insecure {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: path}
	q := url.Values{}
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return "", fmt.Errorf("param %q: want key=value", p)
		}
		q.Add(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseHeaders(headers []string) (http.Header, error) {
	h := http.Header{}
	for _, line := range headers {
		k, v, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("header %q: want Name: value", line)
		}
		h.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return h, nil
}

//nolint:funlen // flag wiring and signal handling read best in one place
func run() error {
	var (
		params  listFlag
		headers listFlag
		emits   listFlag
	)
	var (
		serverAddr  = flag.String("addr", "localhost:8080", "server address (hostname:port)")
		path        = flag.String("path", "/ws", "WebSocket endpoint path")
		insecure    = flag.Bool("insecure", false, "Use insecure WebSocket (ws:// instead of wss://)")
		username    = flag.String("username", "", "Shorthand for -param username=NAME")
		stdin       = flag.Bool("stdin", false, "Emit one event per stdin line: 'event json-data'")
		verbose     = flag.Bool("verbose", false, "Log every event received")
		noReconnect = flag.Bool("no-reconnect", false, "Disable automatic reconnection")
		maxRetries  = flag.Int("max-retries", 0, "Maximum reconnection attempts (0 = infinite)")
		outputJSON  = flag.Bool("json", false, "Output events as JSON envelopes")
	)
	flag.Var(&params, "param", "Query parameter key=value (repeatable)")
	flag.Var(&headers, "header", "Handshake header 'Name: value' (repeatable)")
	flag.Var(&emits, "emit", "Event to send on connect, as event or event=json (repeatable)")
	flag.Parse()

	if *username != "" {
		params = append(params, "username="+*username)
	}

	wsURL, err := buildURL(*serverAddr, *path, *insecure, params)
	if err != nil {
		return err
	}
	if *insecure {
		log.Println("WARNING: Using insecure WebSocket connection (ws://)")
	}

	header, err := parseHeaders(headers)
	if err != nil {
		return err
	}

	var onConnect []emission
	for _, e := range emits {
		em, err := parseEmit(e)
		if err != nil {
			return err
		}
		onConnect = append(onConnect, em)
	}

	var c *client.Client
	config := client.Config{
		ServerURL:   wsURL,
		Header:      header,
		UserAgent:   "wsbus-cli/" + client.Version,
		Verbose:     *verbose,
		NoReconnect: *noReconnect,
		MaxRetries:  *maxRetries,
		OnConnect: func() {
			for _, em := range onConnect {
				if err := c.Emit(em.event, em.data); err != nil {
					log.Printf("emit %s: %v", em.event, err)
				}
			}
		},
		OnEvent: func(event string, data json.RawMessage) {
			if *outputJSON {
				out, err := json.Marshal(struct {
					Data  json.RawMessage `json:"data,omitempty"`
					Event string          `json:"event"`
				}{Event: event, Data: data})
				if err != nil {
					log.Printf("Failed to marshal event to JSON: %v", err)
					return
				}
				fmt.Println(string(out))
				return
			}
			if len(data) == 0 {
				fmt.Println(event)
				return
			}
			fmt.Printf("%s %s\n", event, data)
		},
	}

	c, err = client.New(config)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)
	log.Println("Signal handler set up, press Ctrl+C to stop")

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	if *stdin {
		go emitLines(c, os.Stdin)
	}

	select {
	case err := <-errCh:
		var rejected *client.RejectedError
		if errors.As(err, &rejected) {
			return fmt.Errorf("server refused the connection: %w", err)
		}
		return err
	case sig := <-interrupt:
		log.Printf("Signal %v received, shutting down gracefully...", sig)
		c.Stop()
		cancel()

		select {
		case <-errCh:
			return nil
		case <-time.After(5 * time.Second):
			log.Println("Shutdown timeout exceeded, forcing exit")
			return nil
		}
	}
}

// emitLines sends "event data" lines until the reader ends.
func emitLines(c *client.Client, r *os.File) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		event, data, _ := strings.Cut(line, " ")
		em, err := parseEmit(event + "=" + data)
		if data == "" {
			em, err = parseEmit(event)
		}
		if err != nil {
			log.Print(err)
			continue
		}
		if err := c.Emit(em.event, em.data); err != nil {
			log.Printf("emit %s: %v", em.event, err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("stdin: %v", err)
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
