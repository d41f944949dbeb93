// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sentinel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"grimm.is/rampart/internal/alerting"
	"grimm.is/rampart/internal/analytics"
	"grimm.is/rampart/internal/capture"
	"grimm.is/rampart/internal/classify"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/errors"
	"grimm.is/rampart/internal/frame"
	"grimm.is/rampart/internal/ledger"
	"grimm.is/rampart/internal/netutil"
	"grimm.is/rampart/internal/queue"
	"grimm.is/rampart/internal/scorer"
)

// blockRequest is the payload of a block-ip job.
type blockRequest struct {
	IP     string
	Attack classify.AttackType
	Reason string
	TTL    time.Duration
}

// process runs one frame through parse, track, classify, and decide.
// Everything heavier than a map update is enqueued, never done here.
func (s *Service) process(ctx context.Context, f capture.Frame) {
	rec, err := s.opts.Parser.Parse(f.Data, f.Timestamp)
	if err != nil {
		s.opts.Metrics.ParseFailures.WithLabelValues(frame.Reason(err)).Inc()
		return
	}
	s.opts.Metrics.PacketsProcessed.Inc()

	src := rec.Key()
	if src == "" {
		return
	}

	rec.Frequency = s.opts.Tracker.Record(src, rec.Timestamp)
	if rec.DstPort != 0 {
		s.opts.Tracker.ObservePort(src, rec.DstPort, rec.Timestamp)
	}

	policy := s.opts.Policies.Load()
	scope := s.scopeOf(rec)
	s.classifyRecord(ctx, rec, scope, policy)

	if rec.Severity == classify.SeverityNormal && !rec.Malicious {
		return
	}
	s.dispatch(rec, policy)
}

// scopeOf places the flow relative to the local network.
func (s *Service) scopeOf(rec *frame.PacketRecord) classify.Scope {
	self := netutil.IsLoopback(rec.SrcIP) || s.opts.Self.IsSelf(rec.SrcIP)
	return classify.ScopeFor(self,
		netutil.IsPrivate(rec.SrcIP),
		netutil.IsPrivate(rec.DstIP),
		netutil.IsBroadcast(rec.DstIP, s.opts.Self.LocalNets()))
}

// classifyRecord annotates the record with a verdict. The rule table
// always runs; the scorer, when configured and healthy, refines the
// attack label and confidence on top of it. Any scorer failure falls
// back to the rule verdict.
func (s *Service) classifyRecord(ctx context.Context, rec *frame.PacketRecord, scope classify.Scope, policy config.Policy) {
	res := policy.Thresholds.Classify(rec.Protocol, rec.Length, rec.Frequency, scope)
	rec.Severity = res.Severity
	rec.AttackType = res.AttackType
	rec.Malicious = res.Severity == classify.SeverityCritical
	rec.Confidence = 1.0

	s.escalateFlood(rec, scope, policy)

	if scope == classify.ScopeSelf || !s.opts.Scorer.Available() {
		return
	}
	sc, err := s.opts.Scorer.Score(ctx, uuid.NewString(), scorer.Features{
		Protocol:    string(rec.Protocol),
		PacketSize:  rec.Length,
		Frequency:   rec.Frequency,
		SrcPort:     rec.SrcPort,
		DstPort:     rec.DstPort,
		UniquePorts: s.opts.Tracker.PortsSeen(rec.Key(), rec.Timestamp),
	})
	if err != nil {
		s.opts.Metrics.ScorerFallbacks.Inc()
		return
	}
	rec.Malicious = sc.Malicious
	rec.Confidence = sc.Confidence
	if sc.AttackType != classify.AttackNone {
		rec.AttackType = sc.AttackType
	}
}

// escalateFlood promotes a source past the policy-wide flood limit to
// critical regardless of the per-protocol bands. The limit is expressed
// per policy window and normalized to the tracker's per-minute counts.
func (s *Service) escalateFlood(rec *frame.PacketRecord, scope classify.Scope, policy config.Policy) {
	if policy.Threshold <= 0 || scope == classify.ScopeSelf {
		return
	}
	limit := policy.Threshold
	if policy.Window > 0 && policy.Window != time.Minute {
		limit = int(float64(policy.Threshold) * float64(time.Minute) / float64(policy.Window))
	}
	if rec.Frequency < limit || rec.Severity == classify.SeverityCritical {
		return
	}
	rec.Severity = classify.SeverityCritical
	rec.Malicious = true
	if rec.AttackType == classify.AttackNone {
		rec.AttackType = classify.AttackCriticalTraffic
	}
}

// dispatch turns one detection into queued work: an alert job when the
// throttle allows it, a persistence record, and a block job when
// enforcement policy says so.
func (s *Service) dispatch(rec *frame.PacketRecord, policy config.Policy) {
	src := rec.Key()
	attack := rec.AttackType
	if attack == classify.AttackNone {
		attack = classify.AttackSuspiciousTraffic
	}

	autoBlock := policy.UseFirewall &&
		rec.Severity == classify.SeverityCritical &&
		rec.Confidence >= policy.AutoBlockConfidence &&
		s.opts.Throttle.ShouldBlock(src, attack)

	if s.opts.Throttle.ShouldAlert(src, attack) {
		s.opts.Metrics.Intrusions.WithLabelValues(string(attack)).Inc()
		ev := alerting.NewIntrusionDetected(src, attack, rec.Severity, rec.Confidence, autoBlock, rec.Timestamp)
		s.opts.Queue.Enqueue(&queue.Job{
			Type:     queue.TypeNotify,
			Priority: queue.PriorityHigh,
			Payload:  ev,
			Handler:  s.handleNotify,
		})
	}

	if s.opts.Batcher != nil {
		s.opts.Batcher.Record(analytics.DetectionEvent{
			Timestamp:  rec.Timestamp,
			SrcIP:      src,
			DstIP:      rec.DstIP.String(),
			SrcMAC:     rec.SrcMAC,
			Protocol:   string(rec.Protocol),
			SrcPort:    int(rec.SrcPort),
			DstPort:    int(rec.DstPort),
			PacketSize: rec.Length,
			Frequency:  rec.Frequency,
			AttackType: attack,
			Severity:   rec.Severity,
			Confidence: rec.Confidence,
			Blocked:    autoBlock,
		})
	}

	if !autoBlock || !s.opts.Throttle.BeginBlock(src) {
		return
	}
	s.opts.Queue.Enqueue(&queue.Job{
		Type:     queue.TypeBlockIP,
		Priority: queue.PriorityCritical,
		DedupKey: "block:" + src,
		Payload: &blockRequest{
			IP:     src,
			Attack: attack,
			Reason: fmt.Sprintf("%s detected at %d pkt/min", attack, rec.Frequency),
			TTL:    policy.BanDuration,
		},
		Handler: s.handleBlock,
	})
}

// handleNotify enriches an event off the hot path and publishes it.
func (s *Service) handleNotify(ctx context.Context, job *queue.Job) error {
	ev, ok := job.Payload.(alerting.Event)
	if !ok {
		return errors.Errorf(errors.KindInternal, "notify job carries %T", job.Payload)
	}
	if s.opts.RDNS != nil {
		ev.Hostname = s.opts.RDNS.Lookup(ctx, ev.IP)
	}
	ev.Country = s.opts.Geo.Country(ev.IP)
	s.opts.Emitter.Emit(ev)
	return nil
}

// handleBlock applies one ban. Invalid targets are dropped without a
// retry; transient enforcement failures ride the queue's backoff. The
// throttle's in-flight marker is released on every terminal outcome.
func (s *Service) handleBlock(ctx context.Context, job *queue.Job) error {
	req, ok := job.Payload.(*blockRequest)
	if !ok {
		return errors.Errorf(errors.KindInternal, "block job carries %T", job.Payload)
	}

	method, err := s.opts.Firewall.Block(ctx, net.ParseIP(req.IP), req.TTL)
	if err != nil {
		if errors.IsKind(err, errors.KindInvalidTarget) {
			s.opts.Throttle.EndBlock(req.IP, req.Attack, false)
			s.logger.WithError(err).Warn("Refused ban target", "ip", req.IP)
			return nil
		}
		if job.Attempts >= job.MaxRetries {
			s.opts.Throttle.EndBlock(req.IP, req.Attack, false)
			s.opts.Metrics.JobFailures.WithLabelValues(string(job.Type)).Inc()
		}
		return err
	}

	now := s.opts.Clock.Now()
	rec := ledger.TempBanRecord{
		IP:         req.IP,
		Reason:     req.Reason,
		AttackType: req.Attack,
		BlockedAt:  now,
		ExpiresAt:  now.Add(req.TTL),
		Methods:    []string{string(method)},
	}
	if err := s.opts.Ledger.Put(rec); err != nil && !errors.IsKind(err, errors.KindConflict) {
		s.logger.WithError(err).Error("Failed to record ban", "ip", req.IP)
	}

	s.opts.Throttle.EndBlock(req.IP, req.Attack, true)
	s.opts.Metrics.BansApplied.WithLabelValues(string(method)).Inc()
	s.opts.Emitter.Emit(alerting.NewIPBlocked(req.IP, req.Reason, string(method), now))
	return nil
}

// HandleBanExpiry is wired as the ledger's OnExpired callback: the
// record is already gone from the ledger, so only the enforcement side
// needs lifting.
func (s *Service) HandleBanExpiry(rec ledger.TempBanRecord) {
	s.opts.Queue.Enqueue(&queue.Job{
		Type:     queue.TypeUnblockIP,
		Priority: queue.PriorityHigh,
		DedupKey: "unblock:" + rec.IP,
		Payload:  rec.IP,
		Handler:  s.handleUnblock,
	})
}

// handleUnblock lifts the enforcement for an expired ban.
func (s *Service) handleUnblock(ctx context.Context, job *queue.Job) error {
	ip, ok := job.Payload.(string)
	if !ok {
		return errors.Errorf(errors.KindInternal, "unblock job carries %T", job.Payload)
	}
	if err := s.opts.Firewall.Unblock(ctx, net.ParseIP(ip)); err != nil {
		if errors.IsKind(err, errors.KindInvalidTarget) {
			return nil
		}
		if job.Attempts >= job.MaxRetries {
			s.opts.Metrics.JobFailures.WithLabelValues(string(job.Type)).Inc()
		}
		return err
	}
	s.opts.Metrics.BansLifted.Inc()
	s.opts.Emitter.Emit(alerting.NewBanLifted(ip, s.opts.Clock.Now()))
	return nil
}

// Unban lifts a ban immediately at an operator's request. This is the
// only path that resets a source's auto-ban history and starts its
// grace period.
func (s *Service) Unban(ctx context.Context, ip string) error {
	addr := net.ParseIP(ip)
	if addr == nil {
		return errors.Errorf(errors.KindValidation, "invalid address %q", ip)
	}
	if _, ok := s.opts.Ledger.Get(ip); !ok {
		return errors.Errorf(errors.KindNotFound, "no active ban for %s", ip)
	}
	if err := s.opts.Firewall.Unblock(ctx, addr); err != nil {
		return err
	}
	s.opts.Ledger.Remove(ip)
	s.opts.Throttle.OnManualUnban(ip)
	s.opts.Metrics.BansLifted.Inc()
	s.opts.Emitter.Emit(alerting.NewBanLifted(ip, s.opts.Clock.Now()))
	return nil
}
