// Package db provides the embedded database migrations and demo data.
package db

import "embed"

// Migrations holds the versioned golang-migrate files under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// DemoCatalog is the demo catalog, coupons and carts loaded by cmd/seed-db
// and by the in-memory storage mode.
//
//go:embed seed/catalog.json
var DemoCatalog []byte
