package models

import "time"

// Favorite is a user subscription to a route number
type Favorite struct {
	UserID              string `json:"userId" validate:"required"`
	RouteNumber         int    `json:"routeNumber" validate:"gt=0"`
	AlertOnRailwayWorks bool   `json:"alertOnRailwayWorks"`
	AlertOnDelayMinutes *int   `json:"alertOnDelayMinutes,omitempty" validate:"omitempty,gte=0"`
}

// NotificationReason is the condition kind used for de-duplication
type NotificationReason string

const (
	ReasonDelay        NotificationReason = "delay"
	ReasonRailwayWorks NotificationReason = "railway_works"
)

// Notification is an emitted alert event
type Notification struct {
	ID          string
	UserID      string
	Route       RouteKey
	RouteNumber int
	Reason      NotificationReason
	Magnitude   int // delay minutes; 0 for railway works
	CreatedAt   time.Time
}
