package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dermio/internal/models"
	"dermio/pkg/protocol"
)

// CallRecordService 从中继的呼叫信令推导通话生命周期并落库，
// 用于通话历史展示与时长统计。信令本身仍是不透明中继，这里只旁路观察
type CallRecordService struct {
	db     *gorm.DB
	logger *logrus.Logger
	rooms  RoomParticipantLookup

	mu     sync.Mutex
	active map[string]*activeCall // roomID -> 进行中的通话
}

// activeCall 一个房间同一时刻至多一通进行中的呼叫
type activeCall struct {
	recordID  string
	startedAt *time.Time
	// 最近一次观察到该通话的信令的时间，用于判定记录是否已僵死
	lastSeen time.Time
}

// 活跃记录在该窗口内仍有信令时视为在途，新来的 call_request 不顶替它
// （忙线方会自行回拒第二路呼叫）；超过窗口则按 failed 收尾后重开
const callStaleAfter = 2 * time.Minute

func NewCallRecordService(db *gorm.DB, logger *logrus.Logger, rooms RoomParticipantLookup) *CallRecordService {
	return &CallRecordService{
		db:     db,
		logger: logger,
		rooms:  rooms,
		active: make(map[string]*activeCall),
	}
}

// ObserveSignal 处理一帧已通过成员校验的呼叫信令。记录失败只打日志，
// 不影响信令转发
func (s *CallRecordService) ObserveSignal(env protocol.Envelope) {
	switch env.Type {
	case protocol.EventCallRequest:
		var p protocol.CallRequest
		if err := env.DecodeInto(&p); err != nil {
			return
		}
		s.openRecord(p.ConnectionID, p.CallerID)

	case protocol.EventCallAccepted:
		var p protocol.CallAccepted
		if err := env.DecodeInto(&p); err != nil {
			return
		}
		s.markStarted(p.ConnectionID)

	case protocol.EventCallRejected:
		var p protocol.CallRejected
		if err := env.DecodeInto(&p); err != nil {
			return
		}
		// 已接通的通话不可能被拒接：此时的 call_rejected 是忙线方
		// 对第二路呼叫的自动回拒，与在途记录无关
		s.mu.Lock()
		call := s.active[p.ConnectionID]
		started := call != nil && call.startedAt != nil
		s.mu.Unlock()
		if started {
			return
		}
		s.closeRecord(p.ConnectionID, models.CallOutcomeRejected)

	case protocol.EventICECandidate:
		var p protocol.ICECandidate
		if err := env.DecodeInto(&p); err != nil {
			return
		}
		s.touch(p.ConnectionID)

	case protocol.EventEndCall:
		var p protocol.EndCall
		if err := env.DecodeInto(&p); err != nil {
			return
		}
		// 接通后挂断算 completed，未接通即结束算 missed（含振铃超时与主叫取消）
		s.mu.Lock()
		call := s.active[p.ConnectionID]
		s.mu.Unlock()
		outcome := models.CallOutcomeMissed
		if call != nil && call.startedAt != nil {
			outcome = models.CallOutcomeCompleted
		}
		s.closeRecord(p.ConnectionID, outcome)
	}
}

func (s *CallRecordService) openRecord(roomID, callerID string) {
	s.mu.Lock()
	prev := s.active[roomID]
	if prev != nil && time.Since(prev.lastSeen) < callStaleAfter {
		// 在途通话不被第二路呼叫顶替，该请求会被忙线方回拒，不立记录
		s.mu.Unlock()
		return
	}
	delete(s.active, roomID)
	s.mu.Unlock()

	if prev != nil {
		// 上一通的信令早已停止且没有结束帧（连接中断等），按 failed 收尾
		s.finalize(prev, models.CallOutcomeFailed)
	}

	record := &models.CallRecord{
		ID:           uuid.NewString(),
		ConnectionID: roomID,
		CallerID:     callerID,
		CalleeID:     s.resolveCallee(roomID, callerID),
	}
	if s.db != nil {
		if err := s.db.Create(record).Error; err != nil {
			s.logger.Warnf("Persist call record for room %s: %v", roomID, err)
			return
		}
	}

	s.mu.Lock()
	s.active[roomID] = &activeCall{recordID: record.ID, lastSeen: time.Now()}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"record_id": record.ID,
		"room_id":   roomID,
		"caller":    callerID,
	}).Debug("Call record opened")
}

func (s *CallRecordService) markStarted(roomID string) {
	s.mu.Lock()
	call := s.active[roomID]
	if call == nil || call.startedAt != nil {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	call.startedAt = &now
	call.lastSeen = time.Now()
	s.mu.Unlock()

	if s.db == nil {
		return
	}
	err := s.db.Model(&models.CallRecord{}).
		Where("id = ?", call.recordID).
		Update("started_at", now).Error
	if err != nil {
		s.logger.Warnf("Mark call %s started: %v", call.recordID, err)
	}
}

// touch 刷新活跃记录的最后信令时间
func (s *CallRecordService) touch(roomID string) {
	s.mu.Lock()
	if call := s.active[roomID]; call != nil {
		call.lastSeen = time.Now()
	}
	s.mu.Unlock()
}

func (s *CallRecordService) closeRecord(roomID, outcome string) {
	s.mu.Lock()
	call := s.active[roomID]
	delete(s.active, roomID)
	s.mu.Unlock()

	if call == nil {
		return
	}
	s.finalize(call, outcome)
}

func (s *CallRecordService) finalize(call *activeCall, outcome string) {
	if s.db == nil {
		return
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"outcome":  outcome,
		"ended_at": now,
	}
	if call.startedAt != nil {
		updates["duration"] = int(now.Sub(*call.startedAt).Seconds())
	}
	err := s.db.Model(&models.CallRecord{}).
		Where("id = ?", call.recordID).
		Updates(updates).Error
	if err != nil {
		s.logger.Warnf("Finalize call %s: %v", call.recordID, err)
	}
}

// History 返回房间内按发起时间倒序的通话记录
func (s *CallRecordService) History(roomID string, limit int) ([]models.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []models.CallRecord
	err := s.db.Where("connection_id = ?", roomID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load call history: %w", err)
	}
	return records, nil
}

// resolveCallee 被叫是房间内主叫之外的另一位参与者
func (s *CallRecordService) resolveCallee(roomID, callerID string) string {
	if s.rooms == nil {
		return ""
	}
	userID, expertID, err := s.rooms.Participants(roomID)
	if err != nil {
		return ""
	}
	if callerID == userID {
		return expertID
	}
	return userID
}
