// Package scraper turns shop-floor sources into telemetry records.
//
// Gateway sources (gateway.go) are polled: the machine gateway exposes
// andon_* series in the Prometheus text format, one machine label per series,
// and each scrape yields one record per machine. MQTT sources (mqtt.go)
// subscribe to a broker topic and emit records as JSON messages arrive.
//
// New(config.Source, interval) returns a Source for either kind. Gateway
// authentication (mTLS, API key, bearer, basic) is applied by the shared
// authRoundTripper in base.go.
package scraper
