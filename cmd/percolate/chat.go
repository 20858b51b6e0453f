/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/tokens"
)

func newChatCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "chat <session> <prompt>",
		Short: "Send one prompt in a named session and print the reply",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if tenant == "" {
				tenant = a.cfg.SystemTenantID
			}
			return runChat(ctx, a, tenant, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant scope (default P8_SYSTEM_TENANT_ID)")
	return cmd
}

// runChat loads the session history, sends one completion request, and
// persists both turns.
func runChat(ctx context.Context, a *app, tenant, sessionName, prompt string) error {
	sess := &store.Session{
		Name:      sessionName,
		Mode:      store.SessionModeChat,
		AgentName: a.cfg.AgentModel,
	}
	sess.TenantID = tenant
	if err := a.store.UpsertSession(ctx, sess); err != nil {
		return err
	}

	history, err := a.store.RecentMessages(ctx, sess.ID.String(), 20)
	if err != nil {
		return err
	}

	msgs := make([]chatTurn, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, chatTurn{Role: m.MessageType, Content: m.Content})
	}
	msgs = append(msgs, chatTurn{Role: "user", Content: prompt})

	reply, err := complete(ctx, a.cfg.AgentEndpoint, a.cfg.OpenAIAPIKey, a.cfg.AgentModel, msgs)
	if err != nil {
		return err
	}

	for _, m := range []*store.Message{
		{SessionID: sess.ID, MessageType: store.MessageTypeUser, Content: prompt, TokenCount: tokens.Estimate(prompt)},
		{SessionID: sess.ID, MessageType: store.MessageTypeAssistant, Content: reply, TokenCount: tokens.Estimate(reply)},
	} {
		m.TenantID = tenant
		if err := a.store.InsertMessage(ctx, m); err != nil {
			return err
		}
	}

	fmt.Println(reply)
	return nil
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func complete(ctx context.Context, endpoint, apiKey, model string, msgs []chatTurn) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": msgs,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completion failed: status %d: %s", resp.StatusCode, data)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parsing chat completion: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
