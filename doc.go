// Package tgviz is a Go client for the TGViz bot analytics service.
//
// A Client reports raw bot updates to the service. A Processor wraps a
// bot's own update handling and, depending on its mode, either reports
// in the background without blocking (async) or waits for the service
// verdict and drops updates the service asks to skip (sync).
package tgviz

// Version is the tgviz-go release version, reported with every request.
const Version = "0.1.1"
