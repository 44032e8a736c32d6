package reports

import "context"

// Service compiles monthly activity summaries.
type Service interface {
	Summarize(ctx context.Context, month, year int) (Summary, error)
	Render(s Summary) ([]byte, error)
}
