package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"cnsd/internal/config"
	"cnsd/internal/manager"
	"cnsd/internal/memory"
	"cnsd/internal/predictive"
	"cnsd/internal/sched"
)

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	m := manager.New(cfg, sched.RealClock{}, rand.New(rand.NewSource(1)), nil, logger)
	defer m.Close()

	if err := seedWorkload(ctx, m); err != nil {
		return err
	}

	reports, err := m.ValidateAndHeal(ctx)
	if err != nil {
		return err
	}
	opt, err := m.Optimize(ctx)
	if err != nil {
		return err
	}
	snap := m.Metrics(ctx)

	fmt.Println(renderTiers(snap))
	fmt.Println(renderValidation(reports))
	fmt.Println(renderEngines(snap, opt))
	return nil
}

func seedWorkload(ctx context.Context, m *manager.Manager) error {
	actx := predictive.AccessContext{UserID: "demo", SessionID: "s1", Route: "/dashboard"}

	stores := []struct {
		layer memory.LayerID
		key   string
		value any
		opts  memory.StoreOptions
	}{
		{memory.LayerSession, "user:42", map[string]any{"name": "demo", "role": "admin"}, memory.StoreOptions{TTL: 10 * time.Minute}},
		{memory.LayerSession, "token:42", "d41d8cd98f00b204e980", memory.StoreOptions{TTL: time.Minute, Priority: 90}},
		{memory.LayerContext, "note:meeting", "the team agreed that the quarterly report is due before the next planning meeting and everyone should review the draft", memory.StoreOptions{Tags: []string{"meeting"}}},
		{memory.LayerContext, "note:incident", "the primary database failed over at nine in the morning and the on call engineer restored service within twenty minutes", memory.StoreOptions{Tags: []string{"incident"}, Priority: 70}},
		{memory.LayerPatterns, "signup", map[string]any{"email": "new@example.com", "source": "landing"}, memory.StoreOptions{Priority: 60}},
		{memory.LayerPatterns, "purchase", map[string]any{"amount": 49.99, "currency": "EUR"}, memory.StoreOptions{Priority: 80}},
		{memory.LayerPredictions, "next-page", map[string]any{"path": "/reports", "score": 0.82}, memory.StoreOptions{Priority: 55}},
	}
	for _, s := range stores {
		if _, err := m.Store(ctx, s.layer, s.key, s.value, s.opts); err != nil {
			return fmt.Errorf("seed %s/%s: %w", s.layer, s.key, err)
		}
	}

	// A few read rounds so the predictive engine has sequences to learn.
	for i := 0; i < 3; i++ {
		for _, key := range []string{"user:42", "token:42"} {
			if _, err := m.Retrieve(ctx, memory.LayerSession, key, actx); err != nil {
				return err
			}
		}
	}
	if _, err := m.Query(ctx, memory.Query{Tags: []string{"meeting"}}, actx); err != nil {
		return err
	}
	return nil
}
