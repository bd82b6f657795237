// Package observe wires the OpenTelemetry backend consumed by the
// instrument package: tracer and meter providers selected by transport
// name, plus a structured logger. It owns exporter setup and nothing
// else; span content is produced by the instrument package.
package observe
