// Package models contains shared data models used across the relaycopy codebase.
package models
