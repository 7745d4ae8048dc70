// Package scheduler drives the robot: on a fixed tick it walks every tenant,
// matches due schedule profiles in the tenant's zone, claims each slot once
// and hands it to the poster.
//
// Ticks never overlap. Tenants are processed one after another, and the due
// profiles of one tenant in list order, so quota and slot state changed by
// one profile is visible to the next.
package scheduler
