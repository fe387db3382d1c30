package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql"
)

const seedBatch = 500

// seed creates customers and orders, one customer per ten orders, and
// analyzes both so the optimizer starts from real statistics.
func seed(ctx context.Context, engine *sql.Engine, orders int) error {
	customers := orders / 10
	if customers == 0 {
		customers = 1
	}
	if _, err := engine.Execute(ctx, "CREATE TABLE IF NOT EXISTS customers (id BIGINT PRIMARY KEY, name TEXT NOT NULL, region TEXT)"); err != nil {
		return err
	}
	if _, err := engine.Execute(ctx, "CREATE TABLE IF NOT EXISTS orders (id BIGINT PRIMARY KEY, customer_id BIGINT NOT NULL, amount DOUBLE PRECISION, status TEXT)"); err != nil {
		return err
	}
	regions := []string{"north", "south", "east", "west"}
	statuses := []string{"new", "paid", "shipped"}
	if err := insertRows(ctx, engine, "customers", customers, func(i int) string {
		return fmt.Sprintf("(%d, 'customer %d', '%s')", i, i, regions[i%len(regions)])
	}); err != nil {
		return err
	}
	if err := insertRows(ctx, engine, "orders", orders, func(i int) string {
		return fmt.Sprintf("(%d, %d, %d.%02d, '%s')", i, i%customers+1, i%500, i%100, statuses[i%len(statuses)])
	}); err != nil {
		return err
	}
	if _, err := engine.Execute(ctx, "ANALYZE customers, orders"); err != nil {
		return err
	}
	logger.InfoContext(ctx, "demo tables seeded",
		logger.Component("seed"),
		logger.Int("customers", customers),
		logger.Int("orders", orders))
	return nil
}

func insertRows(ctx context.Context, engine *sql.Engine, table string, n int, row func(i int) string) error {
	values := make([]string, 0, seedBatch)
	for lo := 1; lo <= n; lo += seedBatch {
		values = values[:0]
		for i := lo; i < lo+seedBatch && i <= n; i++ {
			values = append(values, row(i))
		}
		stmt := fmt.Sprintf("INSERT INTO %s VALUES %s", table, strings.Join(values, ", "))
		if _, err := engine.Execute(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
