// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"fmt"
	"time"

	"grimm.is/rampart/internal/alerting"
	"grimm.is/rampart/internal/capture"
	"grimm.is/rampart/internal/logging"
)

// RunReplay feeds a capture file through the full detection pipeline
// with enforcement stubbed out, then prints what the agent would have
// done. Useful for tuning thresholds against recorded attacks.
func RunReplay(configFile, pcapPath string, realtime bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LoggerConfig())

	src, err := capture.NewReplaySource(capture.ReplayOptions{
		Path:     pcapPath,
		Realtime: realtime,
		Capacity: cfg.Agent.ChannelCapacity,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// enforce=false swaps in the recording backend, so nothing here can
	// touch the kernel.
	a, err := buildAgent(cfg, logger, src, false)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	if err := a.start(ctx); err != nil {
		a.stop()
		return err
	}
	a.service.Wait()

	// Let the queue drain the block and notify jobs the tail of the
	// capture produced.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := a.queue.Stats()
		if s.Running == 0 && s.Queued[0]+s.Queued[1]+s.Queued[2] == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	status := a.service.Status()
	events := a.emitter.History()
	bans := a.ledger.ListActive(time.Now())
	a.stop()

	byType := make(map[alerting.Type]int)
	for _, ev := range events {
		byType[ev.Type]++
	}

	fmt.Printf("Replayed %s in %v\n", pcapPath, time.Since(start).Round(time.Millisecond))
	fmt.Printf("  frames dropped:     %d\n", status.FramesDropped)
	fmt.Printf("  intrusions flagged: %d\n", byType[alerting.EventIntrusionDetected])
	fmt.Printf("  would-be bans:      %d\n", byType[alerting.EventIPBlocked])
	if len(bans) > 0 {
		fmt.Println("  banned sources:")
		for _, b := range bans {
			fmt.Printf("    %-15s %s (until %s)\n", b.IP, b.AttackType, b.ExpiresAt.Format(time.RFC3339))
		}
	}
	return nil
}
