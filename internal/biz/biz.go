// Package biz contains business logic layer implementations.
// This layer holds the core business rules and domain models.
package biz

import (
	"CodexLane/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewBalancer,
	NewAuthManager,
	NewUsageRefresher,
	NewLoadBalancer,
	NewTokenRefreshTask,
	// Import data layer providers
	data.NewAccountRepo,
	data.NewUsageRepo,
	data.NewSettingsRepo,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(AccountRepo), new(*data.AccountRepo)),
	wire.Bind(new(UsageRepo), new(*data.UsageRepo)),
	wire.Bind(new(SettingsRepo), new(*data.SettingsRepo)),
)
