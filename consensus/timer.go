package consensus

import (
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
)

var (
	tickTockBufferSize = 10
)

// TimeoutTicker 每个节点只有一个逻辑定时器
// ScheduleTimeout总是取消之前的定时器，触发时把timeoutInfo写入Chan()
type TimeoutTicker interface {
	Start() error
	Stop() error
	Chan() <-chan timeoutInfo
	ScheduleTimeout(ti timeoutInfo)

	SetLogger(log.Logger)
}

// timeoutInfo 定时器触发时携带设置时的高度、view和序号，过期的触发会被忽略
type timeoutInfo struct {
	Duration time.Duration `json:"duration"`
	Height   uint32        `json:"height"`
	View     uint8         `json:"view"`
	Seq      uint64        `json:"seq"`
}

func (ti *timeoutInfo) String() string {
	return fmt.Sprintf("%v ; %d/%d #%d", ti.Duration, ti.Height, ti.View, ti.Seq)
}

type timeoutTicker struct {
	service.BaseService

	timer    *time.Timer
	tickChan chan timeoutInfo // 设置定时器
	tockChan chan timeoutInfo // 定时器触发
}

func NewTimeoutTicker() TimeoutTicker {
	tt := &timeoutTicker{
		timer:    time.NewTimer(0),
		tickChan: make(chan timeoutInfo, tickTockBufferSize),
		tockChan: make(chan timeoutInfo, tickTockBufferSize),
	}
	tt.BaseService = *service.NewBaseService(nil, "TimeoutTicker", tt)
	tt.stopTimer()
	return tt
}

func (t *timeoutTicker) OnStart() error {
	go t.timeoutRoutine()
	return nil
}

func (t *timeoutTicker) OnStop() {
	t.BaseService.OnStop()
	t.stopTimer()
}

func (t *timeoutTicker) Chan() <-chan timeoutInfo {
	return t.tockChan
}

// ScheduleTimeout 不阻塞调用方
func (t *timeoutTicker) ScheduleTimeout(ti timeoutInfo) {
	t.tickChan <- ti
}

func (t *timeoutTicker) stopTimer() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// timeoutRoutine 唯一修改timer的协程
func (t *timeoutTicker) timeoutRoutine() {
	t.Logger.Debug("Starting timeout routine")
	var ti timeoutInfo
	for {
		select {
		case newti := <-t.tickChan:
			t.Logger.Debug("Received tick", "new_ti", newti.String())

			t.stopTimer()
			ti = newti
			t.timer.Reset(ti.Duration)
			t.Logger.Debug("Scheduled timeout", "dur", ti.Duration, "height", ti.Height, "view", ti.View)
		case <-t.timer.C:
			t.Logger.Debug("Timed out", "dur", ti.Duration, "height", ti.Height, "view", ti.View)
			// 在协程里写入，避免receiveRoutine调用ScheduleTimeout时互相阻塞
			go func(toi timeoutInfo) {
				select {
				case t.tockChan <- toi:
				case <-t.Quit():
				}
			}(ti)
		case <-t.Quit():
			return
		}
	}
}
