// Package asynccaller runs caller-supplied operations (typically HTTP calls)
// under a shared rate limit, a bounded concurrency level and automatic retry.
//
// A Caller combines:
//   - A token bucket refilled by a fixed amount every window; one token is
//     taken per attempt
//   - FIFO admission limited to a fixed number of operations in flight
//   - Retry with capped exponential backoff for transient failures
//   - Retry-After handling for 429 outcomes (seconds and HTTP-date formats)
//     that also pauses the shared bucket for the same duration
//   - Immediate failure on 4xx outcomes other than 429
//   - Atomic stats, a Prometheus collector and OpenTelemetry spans
//
// Configuration uses the functional options pattern:
//
//	caller, err := asynccaller.New(
//	    asynccaller.WithTokenBucket(asynccaller.BucketOptions{
//	        Capacity:      10,
//	        FillPerWindow: 1,
//	        Window:        100 * time.Millisecond,
//	    }),
//	    asynccaller.WithRetry(asynccaller.DefaultRetryPolicy()),
//	    asynccaller.WithConcurrency(4),
//	)
//	if err != nil {
//	    return err
//	}
//	defer caller.Close()
//
//	user, err := asynccaller.Do(ctx, caller, func(ctx context.Context) (*User, error) {
//	    return api.GetUser(ctx, id)
//	})
//
// Status codes are read from StatusCode() or HTTPStatusCode() methods,
// integer StatusCode or Status fields, or the same on a nested Response. Use
// WithStatusExtractor and WithHeaderLookup when results look different.
//
// Client wraps net/http on top of a Caller:
//
//	client := asynccaller.NewClient(caller, asynccaller.WithBaseURL("https://api.example.com"))
//	resp, err := client.Get(ctx, "/users")
package asynccaller
