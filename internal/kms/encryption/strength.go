package encryption

import (
	"math"
)

const (
	minUniqueBytes = 16
	minScore       = 0.75
)

// ValidateKeyStrength 对密钥做启发式强度检查
// 长度正确但全零、全一、单字节重复、等差序列或字节种类过少的密钥视为无效
func ValidateKeyStrength(key []byte) KeyStrength {
	if len(key) != KeySize {
		return KeyStrength{Valid: false, Reason: "invalid key length"}
	}

	score := entropyScore(key)

	switch {
	case allEqual(key):
		return KeyStrength{Valid: false, Score: score, Reason: "repeated byte"}
	case arithmetic(key):
		return KeyStrength{Valid: false, Score: score, Reason: "sequential pattern"}
	case uniqueBytes(key) < minUniqueBytes:
		return KeyStrength{Valid: false, Score: score, Reason: "too few distinct bytes"}
	case score < minScore:
		return KeyStrength{Valid: false, Score: score, Reason: "low entropy"}
	}

	return KeyStrength{Valid: true, Score: score}
}

// entropyScore 返回归一化到 [0, 1] 的香农熵
// 分母为该长度样本可达到的最大熵
func entropyScore(key []byte) float64 {
	if len(key) < 2 {
		return 0
	}

	var counts [256]int
	for _, b := range key {
		counts[b]++
	}

	n := float64(len(key))
	h := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}

	maxH := math.Log2(math.Min(n, 256))
	return math.Min(h/maxH, 1)
}

func allEqual(key []byte) bool {
	for _, b := range key[1:] {
		if b != key[0] {
			return false
		}
	}
	return true
}

// arithmetic 检测 0x00 0x01 0x02... 一类的固定步长序列
func arithmetic(key []byte) bool {
	step := key[1] - key[0]
	for i := 2; i < len(key); i++ {
		if key[i]-key[i-1] != step {
			return false
		}
	}
	return true
}

func uniqueBytes(key []byte) int {
	var seen [256]bool
	n := 0
	for _, b := range key {
		if !seen[b] {
			seen[b] = true
			n++
		}
	}
	return n
}
