package domain

type Status string

const (
	StatusDraft                              Status = "draft"
	StatusAwaitingManagerSignature           Status = "awaiting_manager_signature"
	StatusPending                            Status = "pending"
	StatusInAnalysis                         Status = "in_analysis"
	StatusLegalOpinion                       Status = "legal_opinion"
	StatusAdjustment                         Status = "adjustment"
	StatusRejected                           Status = "rejected"
	StatusExecution                          Status = "execution"
	StatusAwaitingOrdenadorSignature         Status = "awaiting_ordenador_signature"
	StatusAuthorized                         Status = "authorized"
	StatusPaid                               Status = "paid"
	StatusAwaitingAccountabilityConfirmation Status = "awaiting_accountability_confirmation"
	StatusConcluded                          Status = "concluded"
	StatusArchived                           Status = "archived"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusDraft,
	StatusAwaitingManagerSignature,
	StatusPending,
	StatusInAnalysis,
	StatusLegalOpinion,
	StatusAdjustment,
	StatusRejected,
	StatusExecution,
	StatusAwaitingOrdenadorSignature,
	StatusAuthorized,
	StatusPaid,
	StatusAwaitingAccountabilityConfirmation,
	StatusConcluded,
	StatusArchived,
}

func (s Status) Valid() bool {
	_, ok := stageIndex[s]
	return ok
}

// Stage labels shown by progress trackers, indexed by StageIndex.
var Stages = []string{
	"Rascunho",
	"Assinatura do Gestor",
	"Protocolo",
	"Análise Técnica",
	"Execução",
	"Assinatura do Ordenador",
	"Autorizado",
	"Pago",
	"Prestação de Contas",
	"Concluído",
	"Arquivado",
}

var stageIndex = map[Status]int{
	StatusDraft:                              0,
	StatusAwaitingManagerSignature:           1,
	StatusPending:                            2,
	StatusInAnalysis:                         3,
	StatusLegalOpinion:                       3,
	StatusAdjustment:                         3,
	StatusRejected:                           3,
	StatusExecution:                          4,
	StatusAwaitingOrdenadorSignature:         5,
	StatusAuthorized:                         6,
	StatusPaid:                               7,
	StatusAwaitingAccountabilityConfirmation: 8,
	StatusConcluded:                          9,
	StatusArchived:                           10,
}

// StageIndex returns the stage of a status, or -1 for unknown values.
func StageIndex(s Status) int {
	if i, ok := stageIndex[s]; ok {
		return i
	}
	return -1
}

// AtLeast reports whether s is at or past the stage of other.
func (s Status) AtLeast(other Status) bool {
	return StageIndex(s) >= StageIndex(other)
}

type Role string

const (
	RoleRequester Role = "requester"
	RoleManager   Role = "manager"
	RoleAnalyst   Role = "analyst"
	RoleOrdenador Role = "ordenador"
	RoleAdmin     Role = "admin"
)

var Roles = []Role{RoleRequester, RoleManager, RoleAnalyst, RoleOrdenador, RoleAdmin}

func (r Role) Valid() bool {
	for _, v := range Roles {
		if v == r {
			return true
		}
	}
	return false
}

// HasRole reports whether role is in roles.
func HasRole(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

type Action string

const (
	ActionCreate        Action = "CREATE"
	ActionUpdateDraft   Action = "UPDATE_DRAFT"
	ActionSubmit        Action = "SUBMIT"
	ActionAssign        Action = "ASSIGN"
	ActionDecide        Action = "DECIDE"
	ActionTransition    Action = "TRANSITION"
	ActionSignManager   Action = "SIGN_MANAGER"
	ActionSignOrdenador Action = "SIGN_ORDENADOR"
	ActionSignDoc       Action = "SIGN_DOC"
	ActionReturn        Action = "RETURN"
	ActionTramitar      Action = "TRAMITAR"
	ActionUploadDoc     Action = "UPLOAD_DOC"
	ActionGenerateDoc   Action = "GENERATE_DOC"
	ActionDeleteDoc     Action = "DELETE_DOC"
)
