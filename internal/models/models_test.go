package models

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestTicket_Fields(t *testing.T) {
	typ := reflect.TypeOf(Ticket{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:32")
	assertGormTag(t, typ, "Source", "default:api")
	assertGormTag(t, typ, "Status", "default:pending")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "ThreadKey", "index")
	assertGormTag(t, typ, "EscalationReason", "type:text")
	assertGormTag(t, typ, "Metadata", "type:json")

	assertFieldType(t, typ, "ID", "string")
	assertFieldType(t, typ, "IntentID", "*uint")
	assertFieldType(t, typ, "AgentID", "*uint")
	assertFieldType(t, typ, "AssigneeID", "*uint")
	assertFieldType(t, typ, "AssignedAt", "*time.Time")
	assertFieldType(t, typ, "Metadata", "datatypes.JSON")
}

func TestTicket_Relations(t *testing.T) {
	typ := reflect.TypeOf(Ticket{})

	assertGormTag(t, typ, "Messages", "foreignKey:TicketID")
	assertGormTag(t, typ, "Activities", "foreignKey:TicketID")
	assertGormTag(t, typ, "Variables", "foreignKey:TicketID")
	assertGormTag(t, typ, "Processing", "foreignKey:TicketID")

	assertFieldType(t, typ, "Messages", "[]models.TicketMessage")
	assertFieldType(t, typ, "Processing", "[]models.PipelineProcessing")
}

func TestTicketMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(TicketMessage{})

	assertGormTag(t, typ, "TicketID", "not null")
	assertGormTag(t, typ, "TicketID", "index")
	assertGormTag(t, typ, "Direction", "not null")
	assertGormTag(t, typ, "Body", "type:text")
	assertGormTag(t, typ, "ExternalMessageID", "index")
}

func TestPipelineProcessing_Fields(t *testing.T) {
	typ := reflect.TypeOf(PipelineProcessing{})

	assertGormTag(t, typ, "TicketID", "index:idx_ticket_run")
	assertGormTag(t, typ, "Run", "index:idx_ticket_run")
	assertGormTag(t, typ, "Run", "default:1")
	assertGormTag(t, typ, "Stage", "not null")
	assertGormTag(t, typ, "Status", "default:queued")
	assertGormTag(t, typ, "Result", "type:json")
	assertGormTag(t, typ, "Error", "type:text")

	assertFieldType(t, typ, "Run", "int")
	assertFieldType(t, typ, "Attempts", "int")
	assertFieldType(t, typ, "CompletedAt", "*time.Time")
	assertFieldType(t, typ, "JobID", "*uint")
}

func TestIntent_Fields(t *testing.T) {
	typ := reflect.TypeOf(Intent{})

	assertGormTag(t, typ, "Name", "uniqueIndex")
	assertGormTag(t, typ, "Examples", "type:json")
	assertGormTag(t, typ, "Enabled", "default:true")
	assertGormTag(t, typ, "Actions", "foreignKey:IntentID")

	assertFieldType(t, typ, "AgentID", "*uint")
}

func TestOrderedRows_UseSortOrderColumn(t *testing.T) {
	for _, typ := range []reflect.Type{reflect.TypeOf(IntentAction{}), reflect.TypeOf(WorkflowStep{})} {
		assertGormTag(t, typ, "Order", "column:sort_order")
		assertFieldType(t, typ, "Order", "int")
	}
}

func TestVariable_Fields(t *testing.T) {
	typ := reflect.TypeOf(Variable{})

	assertGormTag(t, typ, "Name", "uniqueIndex")
	assertGormTag(t, typ, "Type", "default:value")
	assertGormTag(t, typ, "Keywords", "type:json")
	assertGormTag(t, typ, "ListItems", "type:json")

	assertFieldType(t, typ, "SmartExtraction", "bool")
}

func TestTicketVariable_UniquePerTicket(t *testing.T) {
	typ := reflect.TypeOf(TicketVariable{})

	assertGormTag(t, typ, "TicketID", "uniqueIndex:idx_ticket_variable")
	assertGormTag(t, typ, "VariableID", "uniqueIndex:idx_ticket_variable")
	assertGormTag(t, typ, "Variable", "foreignKey:VariableID")
}

func TestAgent_Fields(t *testing.T) {
	typ := reflect.TypeOf(Agent{})

	assertGormTag(t, typ, "Type", "default:conversational")
	assertGormTag(t, typ, "SystemPrompt", "type:text")
	assertGormTag(t, typ, "KnowledgeBases", "foreignKey:AgentID")
	assertGormTag(t, typ, "Tools", "foreignKey:AgentID")
	assertGormTag(t, typ, "Steps", "foreignKey:AgentID")

	assertFieldType(t, typ, "Temperature", "float32")
	assertFieldType(t, typ, "TopP", "float32")
	assertFieldType(t, typ, "MaxTokens", "int")
}

func TestJoinTables_CompositeKeys(t *testing.T) {
	kb := reflect.TypeOf(AgentKnowledgeBase{})
	assertGormTag(t, kb, "AgentID", "primaryKey")
	assertGormTag(t, kb, "KnowledgeBaseID", "primaryKey")

	tl := reflect.TypeOf(AgentTool{})
	assertGormTag(t, tl, "AgentID", "primaryKey")
	assertGormTag(t, tl, "ToolID", "primaryKey")
}

func TestTool_Fields(t *testing.T) {
	typ := reflect.TypeOf(Tool{})

	assertGormTag(t, typ, "Name", "uniqueIndex")
	assertGormTag(t, typ, "Kind", "default:http")
	assertGormTag(t, typ, "Method", "default:GET")
	assertGormTag(t, typ, "AuthType", "default:none")
	assertGormTag(t, typ, "AuthConfig", "type:text")
	assertGormTag(t, typ, "ResponseMappings", "type:json")
	assertGormTag(t, typ, "TimeoutSeconds", "default:30")

	assertFieldType(t, typ, "AuthConfig", "string")
	assertFieldType(t, typ, "Parameters", "datatypes.JSON")
}

func TestToolExecutionLog_Fields(t *testing.T) {
	typ := reflect.TypeOf(ToolExecutionLog{})

	assertGormTag(t, typ, "ToolID", "index")
	assertGormTag(t, typ, "Output", "type:text")

	assertFieldType(t, typ, "ProcessingID", "*uint")
	assertFieldType(t, typ, "DurationMs", "int64")
	assertFieldType(t, typ, "Success", "bool")
}

func TestKnowledgeChunk_Fields(t *testing.T) {
	typ := reflect.TypeOf(KnowledgeChunk{})

	assertGormTag(t, typ, "KnowledgeBaseID", "index")
	assertGormTag(t, typ, "Content", "not null")
	assertGormTag(t, typ, "Embedding", "type:json")
}

func TestSafetyRule_Fields(t *testing.T) {
	typ := reflect.TypeOf(SafetyRule{})

	assertGormTag(t, typ, "CheckType", "not null")
	assertGormTag(t, typ, "Severity", "default:medium")
	assertGormTag(t, typ, "Action", "default:flag")
	assertGormTag(t, typ, "BuiltinKey", "index")

	assertFieldType(t, typ, "Builtin", "bool")
}

func TestSetting_KeyIsPrimary(t *testing.T) {
	typ := reflect.TypeOf(Setting{})
	assertGormTag(t, typ, "Key", "primaryKey")
	assertGormTag(t, typ, "Key", "size:64")
}

func TestJob_Fields(t *testing.T) {
	typ := reflect.TypeOf(Job{})

	assertGormTag(t, typ, "Queue", "index:idx_queue_due")
	assertGormTag(t, typ, "Status", "index:idx_queue_due")
	assertGormTag(t, typ, "RunAt", "index:idx_queue_due")
	assertGormTag(t, typ, "MaxAttempts", "default:3")
	assertGormTag(t, typ, "BackoffBaseMs", "default:5000")

	assertFieldType(t, typ, "LockedAt", "*time.Time")
	assertFieldType(t, typ, "BackoffBaseMs", "int64")
}

func TestTicket_Instantiation(t *testing.T) {
	intentID := uint(4)
	now := time.Now()
	tk := Ticket{
		ID:            "tkt-0a1b2c3d",
		Subject:       "Where is my order?",
		Source:        "email",
		CustomerEmail: "jane@example.com",
		Status:        "pending",
		IntentID:      &intentID,
		CreatedAt:     now,
		AssignedAt:    &now,
	}
	if tk.ID != "tkt-0a1b2c3d" {
		t.Errorf("ID = %q, want %q", tk.ID, "tkt-0a1b2c3d")
	}
	if *tk.IntentID != 4 {
		t.Errorf("IntentID = %d, want 4", *tk.IntentID)
	}
}
