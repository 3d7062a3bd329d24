package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"agent-js-sandbox/internal/api"
	"agent-js-sandbox/internal/sandbox"
)

// runRemote submits code to the server's /execute endpoint.
func runRemote(cmd *cobra.Command, code string) error {
	body, err := json.Marshal(api.ExecutionRequest{
		Code:     code,
		Timeout:  api.Duration{Duration: timeout},
		MemoryMB: memoryMB,
	})
	if err != nil {
		return err
	}

	resp, err := doRequest(cmd, http.MethodPost, "/execute", bytes.NewReader(body), timeout+10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiFailure(resp)
	}

	var out api.ExecutionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	res := &sandbox.Result{
		Status:        out.Status,
		ReturnedValue: out.ReturnedValue,
		Stats:         out.Stats,
		Failure:       out.Error,
		ConsoleOutput: out.ConsoleOutput,
	}
	return printResult(cmd.OutOrStdout(), res, out)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	resp, err := doRequest(cmd, http.MethodGet, "/health", nil, 10*time.Second)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := writeJSON(cmd.OutOrStdout(), health); err != nil {
		return err
	}
	if health.Status != "ok" {
		return fmt.Errorf("server is %s", health.Status)
	}
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	q := url.Values{}
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		q.Set("status", s)
	}
	if k, _ := cmd.Flags().GetString("kind"); k != "" {
		q.Set("error_kind", k)
	}
	if l, _ := cmd.Flags().GetInt("limit"); l > 0 {
		q.Set("limit", strconv.Itoa(l))
	}

	path := "/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := doRequest(cmd, http.MethodGet, path, nil, 10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiFailure(resp)
	}

	var result []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func runKill(cmd *cobra.Command, args []string) error {
	resp, err := doRequest(cmd, http.MethodDelete, "/executions/"+url.PathEscape(args[0]), nil, 10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return apiFailure(resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "kill requested for %s\n", args[0])
	return nil
}

func doRequest(cmd *cobra.Command, method, path string, body io.Reader, clientTimeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func apiFailure(resp *http.Response) error {
	var e api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return fmt.Errorf("server returned %s: %s (%s)", resp.Status, e.Error, e.Code)
}
