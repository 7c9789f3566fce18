package http

import (
	"log"
	"net/http"

	empservice "github.com/tranvu/hrmledger/internal/employee/service"
	senservice "github.com/tranvu/hrmledger/internal/sensitive/service"
)

// Server holds the API's handler dependencies.
type Server struct {
	employees *empservice.Service
	requests  *senservice.Service
	logger    *log.Logger
	jwtSecret []byte
}

// NewServer builds a Server.
func NewServer(employees *empservice.Service, requests *senservice.Service, jwtSecret []byte, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		employees: employees,
		requests:  requests,
		logger:    logger,
		jwtSecret: jwtSecret,
	}
}

// Handler returns the fully wired API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	api := http.NewServeMux()
	api.HandleFunc("POST /employees", s.handleCreateEmployee)
	api.HandleFunc("GET /employees/{id}/profile", s.handleGetProfile)
	api.HandleFunc("PUT /employees/{id}/basic-info", s.handleUpdateBasicInfo)
	api.HandleFunc("PUT /employees/{id}/emergency-contacts", s.handleReplaceContacts)
	api.HandleFunc("POST /employees/{id}/sensitive-requests", s.handleSubmitRequest)
	api.HandleFunc("POST /aggregates/{id}/replay", s.handleReplay)
	api.HandleFunc("GET /sensitive-requests", s.handleListRequests)
	api.HandleFunc("GET /sensitive-requests/{id}", s.handleGetRequest)
	api.HandleFunc("POST /sensitive-requests/{id}/verify", s.handleVerifyRequest)
	api.HandleFunc("POST /sensitive-requests/{id}/resend-otp", s.handleResendOTP)
	api.HandleFunc("POST /sensitive-requests/{id}/approve", s.handleApproveRequest)
	api.HandleFunc("POST /sensitive-requests/{id}/reject", s.handleRejectRequest)

	mux.Handle("/", Chain(api, Authenticate(s.jwtSecret)))

	return Chain(mux, RequestID(), RecoverPanic(s.logger))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	_ = WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
