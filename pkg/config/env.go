// Package config 提供环境变量读取工具函数
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// MinSecretLength 非 dev 环境下密钥的最小长度
const MinSecretLength = 16

var devPlaceholderSecrets = map[string]struct{}{
	"dev-internal-token-change-me": {},
	"change-me":                    {},
	"changeme":                     {},
}

// IsInsecureDevSecret reports whether value is a known placeholder secret.
func IsInsecureDevSecret(value string) bool {
	_, ok := devPlaceholderSecrets[strings.TrimSpace(value)]
	return ok
}

func lookup(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

// GetEnv 获取环境变量，不存在或为空时返回默认值
func GetEnv(key, defaultValue string) string {
	if value, ok := lookup(key); ok {
		return value
	}
	return defaultValue
}

// GetEnvInt 获取整数类型的环境变量，解析失败返回默认值
func GetEnvInt(key string, defaultValue int) int {
	if value, ok := lookup(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvBool 获取布尔类型的环境变量
func GetEnvBool(key string, defaultValue bool) bool {
	if value, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat64 获取 float64 类型的环境变量
func GetEnvFloat64(key string, defaultValue float64) float64 {
	if value, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvDuration 获取时间间隔类型的环境变量 (time.ParseDuration 格式)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := lookup(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetEnvSlice 获取逗号分隔的字符串切片，空元素会被跳过
func GetEnvSlice(key string, defaultValue []string) []string {
	value, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
