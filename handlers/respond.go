package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"reflect"
	"time"

	"github.com/mhuot/pyvisioniq/services/bluelink"
)

// writeJSON encodes payload after nulling out NaN and infinite floats.
// Legacy CSV rows can carry NaN through ParseFloat, and encoding/json
// refuses to encode those values.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(sanitizeJSON(payload)); err != nil {
		log.Printf("ERROR: Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAPIError maps the vendor error taxonomy onto HTTP statuses:
// quota 429, auth 401, network 504, vendor maintenance 503, everything
// else 500. The classification rides along in the body.
func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	errType := string(bluelink.ErrUnknown)
	message := err.Error()

	var apiErr *bluelink.APIError
	if errors.As(err, &apiErr) {
		errType = string(apiErr.Type)
		message = apiErr.Message
		switch apiErr.Type {
		case bluelink.ErrQuotaExhausted:
			status = http.StatusTooManyRequests
		case bluelink.ErrAuth:
			status = http.StatusUnauthorized
		case bluelink.ErrNetwork:
			status = http.StatusGatewayTimeout
		case bluelink.ErrServiceUnavailable:
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, map[string]string{
		"error":      message,
		"error_type": errType,
	})
}

// ========== NAN SANITIZER ==========

var timeType = reflect.TypeOf(time.Time{})

// sanitizeJSON returns a copy of payload with every NaN or infinite float
// replaced by null (pointer and interface slots) or zero (bare floats).
func sanitizeJSON(payload interface{}) interface{} {
	if payload == nil {
		return nil
	}
	return sanitized(reflect.ValueOf(payload)).Interface()
}

func sanitized(v reflect.Value) reflect.Value {
	if !v.IsValid() {
		return v
	}

	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		if badFloat(v.Float()) {
			return reflect.Zero(v.Type())
		}
		return v

	case reflect.Ptr:
		if v.IsNil() {
			return v
		}
		elemKind := v.Type().Elem().Kind()
		if elemKind == reflect.Float32 || elemKind == reflect.Float64 {
			if badFloat(v.Elem().Float()) {
				return reflect.Zero(v.Type())
			}
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(sanitized(v.Elem()))
		return out

	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		elem := v.Elem()
		if (elem.Kind() == reflect.Float32 || elem.Kind() == reflect.Float64) && badFloat(elem.Float()) {
			return reflect.Zero(v.Type())
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(sanitized(elem))
		return out

	case reflect.Struct:
		if v.Type() == timeType {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			field := out.Field(i)
			if field.CanSet() {
				field.Set(sanitized(v.Field(i)))
			}
		}
		return out

	case reflect.Slice:
		if v.IsNil() || v.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(sanitized(v.Index(i)))
		}
		return out

	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), sanitized(iter.Value()))
		}
		return out

	default:
		return v
	}
}

func badFloat(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
