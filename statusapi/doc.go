// Package statusapi serves a small read-only HTTP view of the challenge
// server: pending challenges and recent notices.
package statusapi
