// Package calibration defines the types shared by the trim calibration engine,
// the plan runner, the station daemon and its clients. It contains:
//
//   - TrimCode, Range, Direction and Target: the inputs of one search
//   - Result: the outcome of calibrating one block, handed to the write-back
//     collaborator
//   - Error, Kind and StatusWord: the failure taxonomy and the aggregate
//     status word that identifies every failed block
//   - Phase, State and Status: the persisted and synthesized station state
//     exposed via HTTP APIs
//
// These types are shared across packages to avoid duplicate definitions and keep
// JSON contracts consistent.
package calibration
