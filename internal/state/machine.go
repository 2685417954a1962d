package state

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// 设备状态常量
const (
	StateUnknown     = "unknown"
	StateIgnitionOff = "ignition_off"
	StateIgnitionOn  = "ignition_on"
	StateMoving      = "moving"
	StateOffline     = "offline"
)

// 状态机事件常量
const (
	EventGoOffline   = "go_offline"
	EventComeOnline  = "come_online"
	EventIgnitionOn  = "ignition_on"
	EventIgnitionOff = "ignition_off"
	EventStartMoving = "start_moving"
	EventStopMoving  = "stop_moving"
)

// Transition 一次状态转换
type Transition struct {
	Event string
	From  string
	To    string
}

// Machine 设备状态机，没有终止状态
type Machine struct {
	deviceID     int64
	fsm          *fsm.FSM
	onTransition func(deviceID int64, t Transition)
}

// ValidState 是否为已知状态
func ValidState(s string) bool {
	switch s {
	case StateUnknown, StateIgnitionOff, StateIgnitionOn, StateMoving, StateOffline:
		return true
	}
	return false
}

// NewMachine 创建状态机，initialState 为持久化的上次状态
func NewMachine(deviceID int64, initialState string, onTransition func(deviceID int64, t Transition)) *Machine {
	if !ValidState(initialState) {
		initialState = StateUnknown
	}

	m := &Machine{
		deviceID:     deviceID,
		onTransition: onTransition,
	}

	m.fsm = fsm.NewFSM(
		initialState,
		fsm.Events{
			// 任意在线状态都可以离线
			{Name: EventGoOffline, Src: []string{StateUnknown, StateIgnitionOff, StateIgnitionOn, StateMoving}, Dst: StateOffline},
			// 恢复在线后先回到 unknown，由下一步判定点火
			{Name: EventComeOnline, Src: []string{StateOffline}, Dst: StateUnknown},

			{Name: EventIgnitionOn, Src: []string{StateUnknown, StateIgnitionOff}, Dst: StateIgnitionOn},
			{Name: EventIgnitionOff, Src: []string{StateUnknown, StateIgnitionOn, StateMoving}, Dst: StateIgnitionOff},

			{Name: EventStartMoving, Src: []string{StateIgnitionOn}, Dst: StateMoving},
			{Name: EventStopMoving, Src: []string{StateMoving}, Dst: StateIgnitionOn},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onTransition != nil && e.Src != e.Dst {
					m.onTransition(m.deviceID, Transition{Event: e.Event, From: e.Src, To: e.Dst})
				}
			},
		},
	)

	return m
}

// Current 获取当前状态
func (m *Machine) Current() string {
	return m.fsm.Current()
}

// Can 检查是否可以触发事件
func (m *Machine) Can(event string) bool {
	return m.fsm.Can(event)
}

// Trigger 触发事件
func (m *Machine) Trigger(ctx context.Context, event string) error {
	if err := m.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}
	return nil
}
