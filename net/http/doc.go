// Package http provides fiber middleware shared by microbun HTTP surfaces:
// access logging, CORS, and trace-context propagation for incoming requests.
package http
