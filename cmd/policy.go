// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// PolicyChanges carries the policy fields the operator wants to adjust.
// Nil means leave the current value alone.
type PolicyChanges struct {
	WindowSeconds       *int
	Threshold           *int
	BanMinutes          *int
	UseFirewall         *bool
	AutoBlockConfidence *float64
}

func (p PolicyChanges) empty() bool {
	return p.WindowSeconds == nil && p.Threshold == nil && p.BanMinutes == nil &&
		p.UseFirewall == nil && p.AutoBlockConfidence == nil
}

// RunPolicy shows the runtime policy, or applies changes to it when any
// are given. Changes take effect on the next decision and do not
// survive a restart; persistent changes belong in the config file.
func RunPolicy(configFile, format string, changes PolicyChanges) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	client := newAPIClient(cfg)

	raw, err := client.get("/api/policy")
	if err != nil {
		return err
	}
	if changes.empty() {
		return render(raw, format)
	}

	// Merge onto the current policy so a partial update never zeroes
	// the untouched fields.
	var current map[string]any
	if err := json.Unmarshal(raw, &current); err != nil {
		return err
	}
	if changes.WindowSeconds != nil {
		current["window_seconds"] = *changes.WindowSeconds
	}
	if changes.Threshold != nil {
		current["threshold"] = *changes.Threshold
	}
	if changes.BanMinutes != nil {
		current["ban_minutes"] = *changes.BanMinutes
	}
	if changes.UseFirewall != nil {
		current["use_firewall"] = *changes.UseFirewall
	}
	if changes.AutoBlockConfidence != nil {
		current["auto_block_confidence"] = *changes.AutoBlockConfidence
	}

	body, err := json.Marshal(current)
	if err != nil {
		return err
	}
	applied, err := client.do(http.MethodPut, "/api/policy", body)
	if err != nil {
		return err
	}
	fmt.Println("Policy updated (runtime only; edit the config file to persist).")
	return render(applied, format)
}
