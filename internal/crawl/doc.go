// Package crawl runs the product-link crawl worker. Jobs are claimed from
// the crawl queue one at a time via conditional updates, fetched over HTTP
// with retry-scaled timeouts, and finished with either an extraction result
// or an error that requeues the job until retries run out.
package crawl
