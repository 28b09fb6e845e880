package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/wolfeidau/ucan-ledger/metrics"
	"github.com/wolfeidau/ucan-ledger/registry"
	"github.com/wolfeidau/ucan-ledger/revocation"
	"github.com/wolfeidau/ucan-ledger/subscription"
)

// RevokeCmd records a revocation.
type RevokeCmd struct {
	Delegation string `arg:"" help:"CID of the revoked delegation."`
	Scope      string `arg:"" help:"Principal the revocation applies to."`
	Cause      string `arg:"" help:"CID of the invocation that requested the revocation."`
	Reset      bool   `help:"Replace every scope recorded for the delegation."`
}

func (cmd *RevokeCmd) Run(g *Globals) error {
	delegation, err := revocation.ParseDelegation(cmd.Delegation)
	if err != nil {
		return err
	}
	cause, err := revocation.ParseDelegation(cmd.Cause)
	if err != nil {
		return err
	}

	logger := g.logger()
	l, err := g.open(logger)
	if err != nil {
		return err
	}
	defer l.Close()

	ledger := revocation.NewLedger(l.db, revocation.WithLogger(logger))
	record := revocation.Record{Revoke: delegation, Scope: cmd.Scope, Cause: cause}
	ctx := context.Background()
	if cmd.Reset {
		return ledger.Reset(ctx, record)
	}
	return ledger.AddAll(ctx, []revocation.Record{record})
}

// ConsumerCmd subscribes a provider to a space.
type ConsumerCmd struct {
	Space        string `arg:"" help:"Space DID."`
	Provider     string `arg:"" help:"Provider DID."`
	Subscription string `help:"Subscription identifier." default:""`
	Remove       bool   `help:"Remove the subscription instead."`
}

func (cmd *ConsumerCmd) Run(g *Globals) error {
	l, err := g.open(g.logger())
	if err != nil {
		return err
	}
	defer l.Close()

	dir := subscription.NewDirectory(l.db)
	ctx := context.Background()
	if cmd.Remove {
		return dir.Remove(ctx, cmd.Space, cmd.Provider)
	}
	return dir.Add(ctx, cmd.Space, cmd.Provider, cmd.Subscription)
}

// UsageCmd folds the space diff log for a provider.
type UsageCmd struct {
	Provider string        `arg:"" help:"Provider DID."`
	Space    string        `arg:"" help:"Space DID."`
	Since    time.Duration `help:"Report the period ending now and starting this long ago." default:"720h"`
}

func (cmd *UsageCmd) Run(g *Globals) error {
	logger := g.logger()
	l, err := g.open(logger)
	if err != nil {
		return err
	}
	defer l.Close()

	dir := subscription.NewDirectory(l.db)
	reg := registry.New(l.db, dir, metrics.New(l.db, metrics.WithLogger(logger)), registry.WithLogger(logger))

	now := time.Now().UTC()
	report, err := reg.Usage(context.Background(), cmd.Provider, cmd.Space, registry.Period{
		From: now.Add(-cmd.Since),
		To:   now,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"provider": report.Provider,
		"space":    report.Space,
		"from":     report.Period.From,
		"to":       report.Period.To,
		"initial":  report.Initial,
		"final":    report.Final,
		"events":   len(report.Events),
	})
}

// TailCmd prints and optionally commits stream records for a consumer.
type TailCmd struct {
	Consumer string `arg:"" help:"Consumer name whose offset is used."`
	Limit    int    `help:"Maximum records to print." default:"100"`
	Commit   bool   `help:"Commit the consumer offset past the printed records."`
}

func (cmd *TailCmd) Run(g *Globals) error {
	l, err := g.open(g.logger())
	if err != nil {
		return err
	}
	defer l.Close()

	ctx := context.Background()
	entries, err := l.stream.Poll(ctx, cmd.Consumer, cmd.Limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%d\t%s\t%s\n", e.Seq, e.Record.PartitionKey, e.Record.Data)
	}
	if cmd.Commit && len(entries) > 0 {
		return l.stream.Commit(ctx, cmd.Consumer, entries[len(entries)-1].Seq)
	}
	return nil
}
