package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testEnv struct {
	server *Server
	gin    *gin.Engine
	mailer *recordingMailer
}

// recordingMailer captures outgoing mail so tests can read the OTP code and
// simulate dispatch failure.
type recordingMailer struct {
	sent []sentMail
	fail bool
}

type sentMail struct {
	To      []string
	Subject string
	Body    string
}

func (m *recordingMailer) Send(to []string, subject, body string) error {
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	if m.fail {
		return fmt.Errorf("dispatch refused")
	}
	return nil
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:warden-test-%d?mode=memory&cache=shared&_busy_timeout=5000&_txlock=immediate", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Device{}, &OTPRecord{}, &CommandRecord{}, &EventRecord{}))

	dir := t.TempDir()
	mailer := &recordingMailer{}
	srv := &Server{
		db:           db,
		storageDir:   dir,
		adminToken:   "test-admin-token",
		mailer:       mailer,
		alerts:       &AlertConfig{PerDeviceAdmins: map[string][]string{}, AlertRules: map[string]bool{}},
		policyPath:   dir + "/policy_master.json",
		manifestPath: dir + "/update_manifest.json",
		logger:       zerolog.Nop(),
	}
	srv.ensureDefaultPolicyFiles()

	g := gin.New()
	g.Use(withRequestContext(zerolog.Nop()))
	srv.registerRoutes(g)

	return testEnv{server: srv, gin: g, mailer: mailer}
}
