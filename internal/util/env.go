// Package util 提供环境变量读取与日志上下文等通用工具
package util

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// GetEnv 读取环境变量，未设置时返回 defaultVal
func GetEnv(key string, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// GetEnvEnum 值不在 allowed 中时返回 defaultVal
func GetEnvEnum(key string, defaultVal string, allowed []string) string {
	val := GetEnv(key, defaultVal)
	for _, a := range allowed {
		if a == val {
			return val
		}
	}
	log.Warn().Str("key", key).Str("value", val).Strs("allowed", allowed).Msg("Invalid environment value, using default")
	return defaultVal
}

func GetEnvAsInt(key string, defaultVal int) int {
	strVal := GetEnv(key, "")
	if strVal == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(strVal)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Failed to parse environment variable as int, using default")
		return defaultVal
	}
	return val
}

func GetEnvAsUint32(key string, defaultVal uint32) uint32 {
	strVal := GetEnv(key, "")
	if strVal == "" {
		return defaultVal
	}
	val, err := strconv.ParseUint(strVal, 10, 32)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Failed to parse environment variable as uint32, using default")
		return defaultVal
	}
	return uint32(val)
}

func GetEnvAsUint64(key string, defaultVal uint64) uint64 {
	strVal := GetEnv(key, "")
	if strVal == "" {
		return defaultVal
	}
	val, err := strconv.ParseUint(strVal, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Failed to parse environment variable as uint64, using default")
		return defaultVal
	}
	return val
}

func GetEnvAsBool(key string, defaultVal bool) bool {
	strVal := GetEnv(key, "")
	if strVal == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(strVal)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Failed to parse environment variable as bool, using default")
		return defaultVal
	}
	return val
}

// GetEnvAsDuration 接受 time.ParseDuration 格式，如 30s、5m
func GetEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	strVal := GetEnv(key, "")
	if strVal == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(strVal)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Failed to parse environment variable as duration, using default")
		return defaultVal
	}
	return val
}

// GetEnvAsStringArr 按 sep 切分，忽略空元素
func GetEnvAsStringArr(key string, defaultVal []string, sep string) []string {
	strVal := GetEnv(key, "")
	if strVal == "" {
		return defaultVal
	}
	parts := strings.Split(strVal, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
