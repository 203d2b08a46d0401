package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/app-builder/realtime/internal/conversation"
	"github.com/app-builder/realtime/internal/history"
	"github.com/app-builder/realtime/internal/message"
	"github.com/app-builder/realtime/internal/model"
	"github.com/app-builder/realtime/internal/session"
	"github.com/app-builder/realtime/internal/transcript"
	"github.com/app-builder/realtime/internal/transport"
)

func main() {
	endpoint := flag.String("endpoint", getEnv("ENDPOINT", "ws://localhost:8080/api/ws"), "agent WebSocket endpoint")
	token := flag.String("token", getEnv("AUTH_TOKEN", ""), "bearer credential")
	sessionID := flag.String("session", getEnv("SESSION_ID", ""), "session id (generated when empty)")
	prompt := flag.String("prompt", "", "initial prompt, sent once the session bootstraps")
	dbPath := flag.String("db", getEnv("DB_PATH", ""), "optional sqlite path for conversation history")
	transcriptPath := flag.String("transcript", "", "optional transcript file recording wire traffic")
	flag.Parse()

	if *sessionID == "" {
		*sessionID = uuid.New().String()
		log.Printf("Generated session id %s", *sessionID)
	}

	cfg := transport.DefaultConfig()
	cfg.Endpoint = *endpoint
	cfg.Token = *token
	cfg.SessionID = *sessionID

	if *transcriptPath != "" {
		rec, err := transcript.NewRecorder(*transcriptPath, *sessionID, *endpoint)
		if err != nil {
			log.Fatalf("Failed to open transcript: %v", err)
		}
		defer rec.Close()
		cfg.Transcript = rec
	}

	ctrl := session.NewController(cfg)
	convo := conversation.New()
	convo.Attach(ctrl.Bus())

	if *dbPath != "" {
		store, err := history.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open history store: %v", err)
		}
		defer store.Close()

		convo.SetSink(func(m *message.Message, role string) {
			if err := store.AddMessage(context.Background(), *sessionID, role, m); err != nil {
				log.Printf("Failed to persist message: %v", err)
			}
		})
	}

	convo.SetOnBootstrap(func(previewURL string, exists bool) {
		if previewURL != "" {
			fmt.Printf("preview: %s\n", previewURL)
		}
		// An existing session already holds prior conversation state, so
		// replaying the queued prompt would double-submit it.
		if *prompt != "" && !exists {
			if err := ctrl.Send(message.TypeUser, map[string]any{"text": *prompt}); err != nil {
				log.Printf("Failed to send prompt: %v", err)
			}
		}
	})
	convo.SetOnPreviewReload(func(previewURL string) {
		fmt.Printf("update completed, reload %s\n", previewURL)
	})

	d := ctrl.Bus()
	d.Subscribe(message.TypeAgentPartial, func(m *message.Message) {
		fmt.Printf("\ragent: %s", m.Text())
	})
	d.Subscribe(message.TypeAgentFinal, func(m *message.Message) {
		fmt.Printf("\ragent: %s\n", m.Text())
	})
	d.Subscribe(message.TypeUpdateFile, func(m *message.Message) {
		fmt.Printf("%s\n", m.Text())
	})
	d.Subscribe(message.TypeError, func(m *message.Message) {
		fmt.Printf("error: %s\n", m.ErrorText())
	})
	d.SetOnError(func(m *message.Message) {
		log.Printf("bus error: %s", m.ErrorText())
	})

	if err := ctrl.Connect(context.Background()); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer ctrl.Disconnect()

	// Disconnect cleanly on SIGINT/SIGTERM
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		ctrl.Disconnect()
		os.Exit(0)
	}()

	// Read prompts from stdin, one per line
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := ctrl.Send(message.TypeUser, map[string]any{"text": text}); err != nil {
			if err == model.ErrNotConnected {
				log.Printf("Not connected; prompt dropped")
				continue
			}
			log.Printf("Send failed: %v", err)
		}
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
