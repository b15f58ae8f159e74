package models

import "time"

type Category string

const (
	CategoryThinking Category = "thinking"
	CategoryAction   Category = "action"
	CategorySuccess  Category = "success"
	CategoryError    Category = "error"
	CategoryInfo     Category = "info"
)

type LogEntry struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
