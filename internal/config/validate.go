package config

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Validate checks settings shared by all commands.
func (c *Config) Validate() error {
	var errs []error

	switch c.Queue.Backend {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be memory or postgres, got %q", c.Queue.Backend))
	}
	switch c.Idempotency.Backend {
	case "memory", "postgres":
	case "badger":
		if c.Idempotency.BadgerDir == "" {
			errs = append(errs, errors.New("idempotency.badger_dir is required for the badger backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("idempotency.backend must be memory, badger or postgres, got %q", c.Idempotency.Backend))
	}
	if (c.Queue.Backend == "postgres" || c.Idempotency.Backend == "postgres") && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required for postgres backends"))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}

	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		errs = append(errs, errors.New("queue backoff must satisfy 0 < backoff_base <= backoff_max"))
	}

	if c.Collector.WithdrawBatchSize < 1 || c.Collector.WithdrawBatchSize > 26 {
		errs = append(errs, fmt.Errorf("collector.withdraw_batch_size must be in [1,26], got %d", c.Collector.WithdrawBatchSize))
	}
	if c.Distribution.BatchSize < 1 {
		errs = append(errs, errors.New("distribution.batch_size must be at least 1"))
	}
	if c.Distribution.FeeVaultBps < 0 || c.Distribution.FeeVaultBps > 10000 {
		errs = append(errs, fmt.Errorf("distribution.fee_vault_bps must be in [0,10000], got %d", c.Distribution.FeeVaultBps))
	}

	for name, n := range map[string]int{
		"collect":        c.Prefetch.Collect,
		"burn":           c.Prefetch.Burn,
		"swap":           c.Prefetch.Swap,
		"prepare":        c.Prefetch.Prepare,
		"execute":        c.Prefetch.Execute,
		"jackpot_update": c.Prefetch.JackpotUpdate,
		"jackpot":        c.Prefetch.Jackpot,
		"bootstrap":      c.Prefetch.Bootstrap,
	} {
		if n < 1 {
			errs = append(errs, fmt.Errorf("prefetch.%s must be at least 1", name))
		}
	}

	return errors.Join(errs...)
}

// ValidateWorker additionally checks what the worker needs to sign and submit.
func (c *Config) ValidateWorker() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Solana.RPCURL == "" {
		errs = append(errs, errors.New("solana.rpc_url is required"))
	}
	if c.Keys.SystemKey == "" {
		errs = append(errs, errors.New("keys.system_key is required"))
	}
	if _, err := c.SealKey(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SealKey decodes the custodial key sealing secret.
func (c *Config) SealKey() (*[32]byte, error) {
	raw, err := hex.DecodeString(c.Keys.SealKey)
	if err != nil {
		return nil, fmt.Errorf("keys.seal_key must be hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("keys.seal_key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
