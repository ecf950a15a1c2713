package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pevans/opens/logger"
)

var tracer = otel.Tracer("opens/leaderboard")

// DefaultBaseURL is the 2015 Open leaderboard endpoint.
const DefaultBaseURL = "http://games.crossfit.com/scores/leaderboard.php"

// ErrPageUnavailable means a page could not be fetched within the attempt
// budget.
var ErrPageUnavailable = errors.New("leaderboard page unavailable")

// Query addresses one leaderboard page.
type Query struct {
	Division int
	Region   int
	Page     int
}

// PageUnavailableError describes a page that was given up on.
type PageUnavailableError struct {
	URL      string
	Attempts int
	Status   int // 0 when no response was received
	Err      error
}

func (e *PageUnavailableError) Error() string {
	return fmt.Sprintf("%v after %d attempts (%s): %v", ErrPageUnavailable, e.Attempts, e.URL, e.Err)
}

func (e *PageUnavailableError) Unwrap() error { return e.Err }

func (e *PageUnavailableError) Is(target error) bool {
	return target == ErrPageUnavailable
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL   string
	Year      int
	PageSize  int
	Timeout   time.Duration // Per attempt
	Attempts  int
	RetryWait time.Duration // Fixed delay between attempts; negative for none
	UserAgent string
	Logger    logger.Logger
}

// DefaultClientOptions returns the settings the leaderboard is crawled with.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		BaseURL:   DefaultBaseURL,
		Year:      15,
		PageSize:  100,
		Timeout:   5 * time.Second,
		Attempts:  5,
		RetryWait: 2 * time.Second,
		UserAgent: "opens/1.0 (leaderboard crawler)",
	}
}

// Client requests leaderboard pages. Every call is a fresh round trip.
type Client struct {
	http *resty.Client
	opts ClientOptions
}

// NewClient creates a client. Zero-valued options take their defaults.
func NewClient(opts ClientOptions) (*Client, error) {
	d := DefaultClientOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = d.BaseURL
	}
	if opts.Year == 0 {
		opts.Year = d.Year
	}
	if opts.PageSize <= 0 {
		opts.PageSize = d.PageSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = d.Timeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = d.Attempts
	}
	switch {
	case opts.RetryWait == 0:
		opts.RetryWait = d.RetryWait
	case opts.RetryWait < 0:
		opts.RetryWait = 0
	}
	if opts.UserAgent == "" {
		opts.UserAgent = d.UserAgent
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	if _, err := url.ParseRequestURI(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	client := resty.New()
	client.SetTimeout(opts.Timeout)
	client.SetHeader("User-Agent", opts.UserAgent)

	// Equal min and max wait makes resty sleep exactly RetryWait.
	client.SetRetryCount(opts.Attempts - 1)
	client.SetRetryWaitTime(opts.RetryWait)
	client.SetRetryMaxWaitTime(opts.RetryWait)
	client.AddRetryCondition(func(res *resty.Response, err error) bool {
		return err != nil || (res != nil && res.StatusCode() >= 500)
	})

	log := opts.Logger
	client.SetLogger(restyLogger{log: log})
	client.AddRetryHook(func(res *resty.Response, err error) {
		// Transport errors are already logged by resty itself.
		if err != nil || res == nil || res.Request == nil {
			return
		}
		log.Warn(context.Background(), "leaderboard request failed",
			logger.Int("attempt", res.Request.Attempt),
			logger.Int("status", res.StatusCode()),
			logger.String("url", res.Request.URL))
	})

	return &Client{http: client, opts: opts}, nil
}

// FetchPage returns the body of one leaderboard page. Failures that survive
// the retry budget are reported as *PageUnavailableError; a cancelled context
// is returned as is.
func (c *Client) FetchPage(ctx context.Context, q Query) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "leaderboard:FetchPage", trace.WithAttributes(
		attribute.Int("division", q.Division),
		attribute.Int("region", q.Region),
		attribute.Int("page", q.Page),
	))
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(c.params(q)).
		Get(c.opts.BaseURL)

	if ctxErr := ctx.Err(); ctxErr != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, ctxErr
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, &PageUnavailableError{
			URL:      c.PageURL(q),
			Attempts: c.attempts(res),
			Err:      err,
		}
	}

	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "bad status")
		return nil, &PageUnavailableError{
			URL:      c.PageURL(q),
			Attempts: c.attempts(res),
			Status:   res.StatusCode(),
			Err:      fmt.Errorf("HTTP error: %s", res.Status()),
		}
	}

	return res.Body(), nil
}

// PageURL returns the full URL requested for q.
func (c *Client) PageURL(q Query) string {
	values := url.Values{}
	for k, v := range c.params(q) {
		values.Set(k, v)
	}
	return c.opts.BaseURL + "?" + values.Encode()
}

func (c *Client) attempts(res *resty.Response) int {
	if res != nil && res.Request != nil && res.Request.Attempt > 0 {
		return res.Request.Attempt
	}
	return c.opts.Attempts
}

// params builds the query the leaderboard endpoint expects. athletename is
// never sent; an absent name lists every athlete.
func (c *Client) params(q Query) map[string]string {
	return map[string]string{
		"stage":         "0",
		"sort":          "0",
		"division":      strconv.Itoa(q.Division),
		"region":        strconv.Itoa(q.Region),
		"numberperpage": strconv.Itoa(c.opts.PageSize),
		"page":          strconv.Itoa(q.Page),
		"competition":   "0",
		"frontpage":     "0",
		"expanded":      "0",
		"full":          "1",
		"year":          strconv.Itoa(c.opts.Year),
		"showtoggles":   "0",
		"hidedropdowns": "0",
		"showathleteac": "1",
		"fittest":       "1",
		"fitSelect":     "0",
		"scaled":        "0",
	}
}

// restyLogger routes resty's own messages into our logger.
type restyLogger struct {
	log logger.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.log.Error(context.Background(), fmt.Sprintf(format, v...))
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.log.Warn(context.Background(), fmt.Sprintf(format, v...))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, v...))
}
