package policy

import (
	"time"

	"github.com/kashguard/keyguard/internal/kms/storage"
)

const bytesPerMB = 1 << 20

// Decision 一次策略评估的结果
type Decision struct {
	Rotate   bool                    // 是否应当立即轮换
	Trigger  storage.RotationTrigger // 命中的触发条件，未命中时为空
	Reason   string
	InWindow bool       // 当前时间是否落在执行窗口内
	Notify   bool       // 是否处于到期提醒期
	DueAt    *time.Time // 按时间间隔计算的下次轮换时间
}

// Due 报告是否命中了任一触发条件（不考虑执行窗口）
func (d *Decision) Due() bool {
	return d.Trigger != ""
}
