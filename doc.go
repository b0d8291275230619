// Package obd2 is a pure golang OBD-II diagnostic client.
// It speaks raw CAN with ISO-TP multi-frame assembly as well as the
// ELM327 ASCII dialect over a byte stream, and decodes service/PID
// responses into scalar values through a single request lifecycle.
package obd2
