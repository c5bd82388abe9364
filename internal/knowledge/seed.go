package knowledge

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
)

// SampleEntries is the starter catalogue indexed into an empty knowledge base.
func SampleEntries() []Entry {
	return []Entry{
		{
			ID:           "database-connection-timeout",
			Title:        "Database Connection Timeout",
			PatternType:  "DATABASE_CONNECTION_ERROR",
			Severity:     "HIGH",
			Symptoms:     "Connection timeouts, slow queries, application hanging",
			RootCause:    "Database server overloaded or network connectivity issues",
			Solution:     "1. Check database server CPU/memory usage 2. Restart connection pool 3. Optimize slow queries 4. Scale database if needed",
			Environments: []string{"production", "staging"},
			Technologies: []string{"PostgreSQL", "MySQL", "MongoDB"},
			Tags:         []string{"database", "timeout", "connection", "performance"},
		},
		{
			ID:           "database-disk-full",
			Title:        "Database Disk Space Full",
			PatternType:  "DATABASE_CONNECTION_ERROR",
			Severity:     "CRITICAL",
			Symptoms:     "Database writes failing, application errors, disk space alerts",
			RootCause:    "Database disk partition reached 100% capacity",
			Solution:     "1. Clear old logs and temporary files 2. Archive old data 3. Extend disk space 4. Set up disk monitoring",
			Environments: []string{"production"},
			Technologies: []string{"PostgreSQL", "MySQL"},
			Tags:         []string{"database", "disk", "storage", "critical"},
		},
		{
			ID:           "auth-service-down",
			Title:        "Authentication Service Unavailable",
			PatternType:  "SERVICE_DOWN",
			Severity:     "HIGH",
			Symptoms:     "Users cannot login, authentication failures, 503 errors",
			RootCause:    "Authentication service crashed or became unresponsive",
			Solution:     "1. Restart authentication service 2. Check service logs 3. Verify database connectivity 4. Scale service if needed",
			Environments: []string{"production", "staging"},
			Technologies: []string{"OAuth", "JWT", "LDAP"},
			Tags:         []string{"authentication", "login", "service", "unavailable"},
		},
		{
			ID:           "network-connectivity-loss",
			Title:        "Network Connectivity Issues",
			PatternType:  "NETWORK_ISSUE",
			Severity:     "MEDIUM",
			Symptoms:     "Intermittent connection failures, high latency, packet loss",
			RootCause:    "Network infrastructure problems or ISP issues",
			Solution:     "1. Check network status with ISP 2. Restart network equipment 3. Switch to backup connection 4. Monitor network metrics",
			Environments: []string{"production", "staging", "development"},
			Technologies: []string{"AWS", "Azure", "GCP"},
			Tags:         []string{"network", "connectivity", "latency", "infrastructure"},
		},
		{
			ID:           "high-memory-usage",
			Title:        "High Memory Usage Alert",
			PatternType:  "MEMORY_LEAK",
			Severity:     "MEDIUM",
			Symptoms:     "Application slow response, memory alerts, potential OOM errors",
			RootCause:    "Memory leak or increased load causing high memory consumption",
			Solution:     "1. Identify memory-consuming processes 2. Restart affected services 3. Check for memory leaks 4. Scale resources if needed",
			Environments: []string{"production", "staging"},
			Technologies: []string{"Java", "Node.js", "Python"},
			Tags:         []string{"memory", "performance", "leak", "resources"},
		},
	}
}

// Seed indexes SampleEntries when idx is empty and returns how many were added.
// Individual failures are logged and skipped.
func Seed(ctx context.Context, r *Retriever, logger log.Logger) (int, error) {
	n, err := r.index.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	if n > 0 {
		return 0, nil
	}

	added := 0
	for _, e := range SampleEntries() {
		if _, err := r.Add(ctx, e); err != nil {
			logger.Warn(ctx, "failed to add sample knowledge entry", "entry_id", e.ID, "error", err)
			continue
		}
		added++
	}
	logger.Info(ctx, "seeded knowledge base", "entries", added)
	return added, nil
}
