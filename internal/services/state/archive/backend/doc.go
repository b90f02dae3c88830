// Package backend provides the remote archive tiers: a Redis hot tier, a
// Google Cloud Storage cold tier and a composite that layers the two.
package backend
