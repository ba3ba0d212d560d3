package logger

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// stripANSI removes ANSI color codes from a string for testing
func stripANSI(str string) string {
	ansiRegex := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return ansiRegex.ReplaceAllString(str, "")
}

// TestMinimalEncoderNeverDiscardsFields ensures the minimal encoder never
// silently discards log fields — forensic detail (§7) depends on every
// field reaching the log sink.
func TestMinimalEncoderNeverDiscardsFields(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "test",
		Message:    "Testing field preservation",
	}

	testFields := []struct {
		field    zapcore.Field
		mustFind string
	}{
		{zap.String("agent_id", "agent-A"), "agent_id=" + "agent-A"},
		{zap.String("stage", "assessed"), "stage=assessed"},
		{zap.Bool("deprecated", true), "deprecated=true"},
		{zap.Float64("coherence", 0.82), "coherence=0.82"},
		{zap.String("random_field_xyz", "important_data"), "random_field_xyz=important_data"},
		{zap.Int("critical_count", 999), "critical_count=999"},
		{zap.String("close_reason", "policy violation"), "close_reason=policy violation"},
		{zap.String("field_with_underscores", "test"), "field_with_underscores=test"},
		{zap.Int32("int32_field", 42), "int32_field=42"},
		{zap.Int64("int64_field", 9999999), "int64_field=9999999"},
		{zap.Bool("success", false), "success=false"},
		{zap.Error(nil), ""},
		{zap.String("client_id", "c-123"), "c-123"},
		{zap.Int("messages_processed", 10), "messages_processed=10"},
	}

	var allFields []zapcore.Field
	for _, tf := range testFields {
		allFields = append(allFields, tf.field)
	}

	buf, err := encoder.EncodeEntry(entry, allFields)
	if err != nil {
		t.Fatalf("Failed to encode entry: %v", err)
	}

	cleanOutput := stripANSI(buf.String())

	var missingFields []string
	for _, tf := range testFields {
		if tf.mustFind != "" && !strings.Contains(cleanOutput, tf.mustFind) {
			missingFields = append(missingFields, tf.mustFind)
			t.Errorf("field was silently discarded from log output: %s", tf.mustFind)
		}
	}

	if len(missingFields) > 0 {
		t.Fatalf("logger is discarding %d fields! Missing: %v\nOutput: %s", len(missingFields), missingFields, cleanOutput)
	}
}

// TestMinimalEncoderFieldCount ensures every field passed in appears once in the output.
func TestMinimalEncoderFieldCount(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "test",
		Message:    "Field count test",
	}

	fields := []zapcore.Field{
		zap.String("field1", "value1"),
		zap.String("field2", "value2"),
		zap.String("field3", "value3"),
		zap.Int("field4", 4),
		zap.Bool("field5", true),
		zap.Float64("field6", 6.6),
	}

	buf, err := encoder.EncodeEntry(entry, fields)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	output := buf.String()
	fieldCount := strings.Count(output, "field1=") +
		strings.Count(output, "field2=") +
		strings.Count(output, "field3=") +
		strings.Count(output, "field4=") +
		strings.Count(output, "field5=") +
		strings.Count(output, "field6=")

	if fieldCount != 6 {
		t.Errorf("Expected 6 fields in output, got %d. Output: %s", fieldCount, output)
	}
}

// TestJoinEventLogging exercises a realistic rail log line: a client join
// event with its identifying fields.
func TestJoinEventLogging(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "rail.core",
		Message:    "Client joined",
	}

	fields := []zapcore.Field{
		zap.String("agent_id", "agent-A"),
		zap.String("client_id", "c-8f2a"),
		zap.String("platform", "browser-runtime"),
		zap.Bool("observer", false),
	}

	buf, err := encoder.EncodeEntry(entry, fields)
	if err != nil {
		t.Fatalf("Failed to encode join event log: %v", err)
	}

	cleanOutput := stripANSI(buf.String())

	for _, required := range []string{
		"agent_id=agent-A",
		"client_id=c-8f2a",
		"platform=browser-runtime",
		"observer=false",
	} {
		if !strings.Contains(cleanOutput, required) {
			t.Errorf("join event field missing from log: %s\nFull output: %s", required, cleanOutput)
		}
	}
}

// TestUnknownFieldTypes tests that the encoder handles all possible field
// types without crashing or silently dropping them.
func TestUnknownFieldTypes(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "test",
		Message:    "Testing unknown field types",
	}

	fields := []zapcore.Field{
		zap.Duration("duration", 5*time.Second),
		zap.Time("timestamp", time.Now()),
		zap.Uint("uint", 100),
		zap.Uint8("uint8", 200),
		zap.Uint16("uint16", 30000),
		zap.Uint32("uint32", 4000000),
		zap.Uint64("uint64", 5000000000),
		zap.ByteString("bytes", []byte("hello world")),
		zap.Binary("binary", []byte{0x01, 0x02, 0x03}),
	}

	buf, err := encoder.EncodeEntry(entry, fields)
	if err != nil {
		t.Fatalf("Failed to encode field types: %v", err)
	}

	cleanOutput := stripANSI(buf.String())

	for _, expected := range []string{"duration", "timestamp", "uint", "bytes", "binary"} {
		if !strings.Contains(cleanOutput, expected) {
			t.Errorf("field with key '%s' was dropped from output: %s", expected, cleanOutput)
		}
	}
}
