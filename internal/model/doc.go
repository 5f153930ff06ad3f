// Package model provides the shared domain types for the ringside sync core.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Rows are keyed by an integer "id" column in every mirrored table
//   - Elapsed times are integer milliseconds, never floats
//   - All JSON tags and column names use snake_case
//   - Text values are NFC-normalized before they enter a mirror or patch
package model
