package protocol

import "strings"

var (
	healthCheckAgents = []string{"ELB-HealthChecker", "Amazon-Route53-Health-Check-Service"}
	healthCheckPaths  = []string{"/health", "/healthcheck", "/ping", "/status", "/index.html"}
)

// maxHealthCheckHeaders is the header count above which a bare GET stops
// looking like a synthetic probe.
const maxHealthCheckHeaders = 3

// IsHealthCheck classifies an HTTP request as a load balancer health probe.
// The path must be "/" or start with a well-known health path. Then either a
// known probe user agent or a GET carrying at most three headers matches.
func IsHealthCheck(path, userAgent, method string, headerCount int) bool {
	if !isHealthPath(path) {
		return false
	}
	for _, agent := range healthCheckAgents {
		if strings.Contains(userAgent, agent) {
			return true
		}
	}
	return method == "GET" && headerCount <= maxHealthCheckHeaders
}

func isHealthPath(path string) bool {
	if path == "/" {
		return true
	}
	for _, hp := range healthCheckPaths {
		if strings.HasPrefix(path, hp) {
			return true
		}
	}
	return false
}
