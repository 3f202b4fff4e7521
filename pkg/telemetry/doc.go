// Package telemetry configures process-wide structured logging.
//
// LOG_LEVEL selects DEBUG, INFO, WARN or ERROR (INFO by default) and
// LOG_FORMAT selects "json" (default) or "text".
package telemetry
