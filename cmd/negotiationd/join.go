package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/travelgame/negotiator/internal/config"
)

// joinCluster asks a running member to add this node as a voter.
func joinCluster(ctx context.Context, cfg *config.Config) error {
	endpoint := strings.TrimRight(cfg.Raft.JoinEndpoint, "/") + "/v1/raft/join"
	body, err := json.Marshal(map[string]string{
		"node_id":   cfg.Raft.NodeID,
		"raft_addr": cfg.Raft.Addr,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("join returned status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(cfg.Raft.JoinRetryDelay)),
		backoff.WithMaxTries(cfg.Raft.JoinRetries),
	)
	return err
}
