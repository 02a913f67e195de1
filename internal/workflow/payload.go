package workflow

import "encoding/json"

// StudentPayload 批量文件中的一条学生记录，也是 saga 的初始 payload
type StudentPayload struct {
	PenRequestBatchStudentID string `json:"penRequestBatchStudentID"`
	PenRequestBatchID        string `json:"penRequestBatchID,omitempty"`
	MincodeNumber            string `json:"mincode,omitempty"`
	LocalID                  string `json:"localID,omitempty"`
	SubmittedPen             string `json:"submittedPen,omitempty"`
	LegalFirstName           string `json:"legalFirstName,omitempty"`
	LegalMiddleNames         string `json:"legalMiddleNames,omitempty"`
	LegalLastName            string `json:"legalLastName"`
	Dob                      string `json:"dob"`
	GenderCode               string `json:"genderCode,omitempty"`
	PostalCode               string `json:"postalCode,omitempty"`
	GradeCode                string `json:"gradeCode,omitempty"`
}

// MatchResult PEN match 服务回复中的匹配结果
type MatchResult struct {
	StudentID string `json:"studentID"`
	Pen       string `json:"pen"`
}

// StudentRecord 学生服务 create/update 回复
type StudentRecord struct {
	StudentID string `json:"studentID"`
	Pen       string `json:"pen"`
}

// UpdateStudentRequest 以匹配到的学生为准更新学生记录
type UpdateStudentRequest struct {
	StudentID string         `json:"studentID"`
	Pen       string         `json:"pen"`
	Student   StudentPayload `json:"student"`
}

// BatchStudentStatus 批次学生记录状态
type BatchStudentStatus string

const (
	StatusFixable    BatchStudentStatus = "FIXABLE"
	StatusMatchedSys BatchStudentStatus = "MATCHEDSYS"
	StatusNewPenSys  BatchStudentStatus = "NEWPENSYS"
)

// BatchStudentUpdate 回写批次学生记录
type BatchStudentUpdate struct {
	PenRequestBatchStudentID string             `json:"penRequestBatchStudentID"`
	PenRequestBatchID        string             `json:"penRequestBatchID,omitempty"`
	Status                   BatchStudentStatus `json:"penRequestBatchStudentStatusCode"`
	StudentID                string             `json:"studentID,omitempty"`
	AssignedPen              string             `json:"assignedPEN,omitempty"`
	// ValidationIssues 原样转发校验服务返回的问题列表
	ValidationIssues json.RawMessage `json:"validationIssues,omitempty"`
}

// NewPenNotification 新 PEN 分配后的同步通知
type NewPenNotification struct {
	PenRequestBatchStudentID string `json:"penRequestBatchStudentID"`
	PenRequestBatchID        string `json:"penRequestBatchID,omitempty"`
	StudentID                string `json:"studentID"`
	Pen                      string `json:"pen"`
}
