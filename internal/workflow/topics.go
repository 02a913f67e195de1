package workflow

import (
	"errors"
	"fmt"
	"reflect"
)

// Topics 编排器收发使用的 topic
type Topics struct {
	// 各 workflow 的入站 topic（参与方回复发往这里）
	MatchAndAssign string `yaml:"matchAndAssign"`
	BatchStudent   string `yaml:"batchStudentProcessing"`

	// 参与方命令 topic
	PenMatch        string `yaml:"penMatch"`
	Student         string `yaml:"student"`
	Validation      string `yaml:"validation"`
	PenRequestBatch string `yaml:"penRequestBatch"`
	// Notification 同步请求/应答 subject
	Notification string `yaml:"notification"`
}

// DefaultTopics 默认 topic 名
func DefaultTopics() Topics {
	return Topics{
		MatchAndAssign:  "MATCH_AND_ASSIGN_SAGA_TOPIC",
		BatchStudent:    "PEN_REQUEST_BATCH_STUDENT_PROCESSING_SAGA_TOPIC",
		PenMatch:        "PEN_MATCH_API_TOPIC",
		Student:         "STUDENT_API_TOPIC",
		Validation:      "PEN_SERVICES_API_TOPIC",
		PenRequestBatch: "PEN_REQUEST_BATCH_API_TOPIC",
		Notification:    "PEN_NOTIFICATION_API_TOPIC",
	}
}

// Merge 用 override 中非空字段覆盖
func (t Topics) Merge(override Topics) Topics {
	dst := reflect.ValueOf(&t).Elem()
	src := reflect.ValueOf(override)
	for i := 0; i < src.NumField(); i++ {
		if v := src.Field(i).String(); v != "" {
			dst.Field(i).SetString(v)
		}
	}
	return t
}

func (t Topics) Validate() error {
	var errs []error
	v := reflect.ValueOf(t)
	for i := 0; i < v.NumField(); i++ {
		if v.Field(i).String() == "" {
			errs = append(errs, fmt.Errorf("topic %s is empty", v.Type().Field(i).Name))
		}
	}
	return errors.Join(errs...)
}
