package handler

// DI for all handlers.

import (
	"github.com/yumyai/dbcanlight/pkg/db"
)

type DBContext struct {
	Store *db.OverviewStore
}
