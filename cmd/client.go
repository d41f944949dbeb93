// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"grimm.is/rampart/internal/config"
)

// apiClient is a thin client for the admin API of a running agent.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cfg *config.Config) *apiClient {
	return &apiClient{
		base:  "http://" + cfg.API.Listen,
		token: string(cfg.API.AuthToken),
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the agent running? %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, path)
	}
	return data, nil
}

func (c *apiClient) get(path string) ([]byte, error) {
	return c.do(http.MethodGet, path, nil)
}

// render pretty-prints an API response as JSON or YAML.
func render(raw []byte, format string) error {
	switch format {
	case "yaml":
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	default:
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		fmt.Println(buf.String())
	}
	return nil
}

// RunStatus prints the runtime status of the agent.
func RunStatus(configFile, format string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	raw, err := newAPIClient(cfg).get("/api/status")
	if err != nil {
		return err
	}
	return render(raw, format)
}

// RunBans lists the active temporary bans.
func RunBans(configFile, format string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	raw, err := newAPIClient(cfg).get("/api/bans")
	if err != nil {
		return err
	}
	return render(raw, format)
}

// RunUnban lifts the ban on one IP.
func RunUnban(configFile, ip string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if _, err := newAPIClient(cfg).do(http.MethodPost, "/api/bans/"+ip+"/unban", nil); err != nil {
		return err
	}
	fmt.Printf("Unbanned %s\n", ip)
	return nil
}

// RunEvents prints recent pipeline events.
func RunEvents(configFile, format string, limit int) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	path := "/api/events"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	raw, err := newAPIClient(cfg).get(path)
	if err != nil {
		return err
	}
	return render(raw, format)
}
