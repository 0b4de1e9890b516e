package engine

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nekogravitycat/booking-sync/internal/auth"
	"github.com/nekogravitycat/booking-sync/internal/slot"
)

const testJWTSecret = "integration-test-secret"

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// platformServer is a minimal stand-in for the booking platform: the
// snapshot endpoints serve mutable in-memory state and the websocket
// endpoint hands raw connections to the test for scripting.
type platformServer struct {
	srv *httptest.Server
	jwt *auth.JWTManager

	mu       sync.Mutex
	slots    []slot.Slot
	bookings []slot.Booking

	conns chan *websocket.Conn
}

func newPlatformServer(t *testing.T) *platformServer {
	t.Helper()

	ps := &platformServer{
		jwt:   auth.NewJWTManager(testJWTSecret, 30*time.Minute),
		conns: make(chan *websocket.Conn, 4),
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ps.requireToken)

	api := router.Group("/api")
	api.POST("/booking/get-teacher-slots/", func(c *gin.Context) {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		out := make([]slot.Slot, len(ps.slots))
		copy(out, ps.slots)
		c.JSON(http.StatusOK, out)
	})
	api.POST("/booking/get-student-bookings/", func(c *gin.Context) {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		out := make([]slot.Booking, len(ps.bookings))
		copy(out, ps.bookings)
		c.JSON(http.StatusOK, out)
	})

	router.GET("/ws/booking/:participant/", func(c *gin.Context) {
		conn, err := testUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		ps.conns <- conn
	})

	ps.srv = httptest.NewServer(router)
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *platformServer) requireToken(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if _, err := ps.jwt.ParseAndValidate(token); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}

func (ps *platformServer) tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := ps.jwt.GenerateAccessToken(userID, userID+"@example.com")
	require.NoError(t, err)
	return token
}

func (ps *platformServer) apiURL() string { return ps.srv.URL }

func (ps *platformServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *platformServer) setSnapshot(slots []slot.Slot, bookings []slot.Booking) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.slots = slots
	ps.bookings = bookings
}

// accept waits for the engine's websocket connection.
func (ps *platformServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ps.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

// readCommand decodes the next client frame into a generic map.
func readCommand(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var cmd map[string]any
	require.NoError(t, conn.ReadJSON(&cmd))
	return cmd
}

func sendEvent(t *testing.T, conn *websocket.Conn, payload map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(payload))
}
