package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// webhookAdapter listens for inbound HTTP POSTs and republishes them as
// Relay messages on relay.human.<adapterId>.webhook.<chatId>, where
// chatId is taken from the request body's "chatId" field.
type webhookAdapter struct {
	id         string
	listenAddr string
	path       string
	secret     string
	pub        Publisher

	mu     sync.Mutex
	status Status
	server *http.Server
}

// NewWebhook constructs the built-in webhook adapter.
func NewWebhook(id string, config map[string]interface{}, pub Publisher) (Instance, error) {
	addr, _ := config["listenAddr"].(string)
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	path, _ := config["path"].(string)
	if path == "" {
		path = "/webhook"
	}
	secret, _ := config["secret"].(string)

	return &webhookAdapter{
		id: id, listenAddr: addr, path: path, secret: secret, pub: pub,
		status: Status{ID: id, State: StateDisconnected},
	}, nil
}

func (a *webhookAdapter) ID() string { return a.id }

type webhookPayload struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

func (a *webhookAdapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(a.path, a.handle)

	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}

	srv := &http.Server{Handler: mux}
	a.mu.Lock()
	a.server = srv
	a.status.State = StateConnected
	a.mu.Unlock()

	go srv.Serve(listener)
	return nil
}

func (a *webhookAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.status.State = StateDisconnected
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *webhookAdapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// TestConnection verifies the configured address can be bound.
func (a *webhookAdapter) TestConnection(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("address not bindable: %w", err)
	}
	return listener.Close()
}

func (a *webhookAdapter) handle(w http.ResponseWriter, r *http.Request) {
	if a.secret != "" && r.Header.Get("X-Webhook-Secret") != a.secret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		a.recordError(err)
		return
	}

	subject := fmt.Sprintf("relay.human.%s.webhook.%s", a.id, payload.ChatID)
	if _, err := a.pub.Publish(subject, map[string]string{"text": payload.Text}, subject); err != nil {
		http.Error(w, "publish failed", http.StatusInternalServerError)
		a.recordError(err)
		return
	}

	a.mu.Lock()
	a.status.MessagesIn++
	now := time.Now()
	a.status.LastActivityAt = &now
	a.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)
}

func (a *webhookAdapter) recordError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.ErrorCount++
	a.status.LastError = err.Error()
}
