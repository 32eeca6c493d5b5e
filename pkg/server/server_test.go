package server

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/wordquizzle/pkg/dictionary"
	"github.com/NicolasHaas/wordquizzle/pkg/model"
	"github.com/NicolasHaas/wordquizzle/pkg/protocol"
	"github.com/NicolasHaas/wordquizzle/pkg/registry"
	"github.com/NicolasHaas/wordquizzle/pkg/store"
	"github.com/NicolasHaas/wordquizzle/pkg/translate"
)

var testTable = map[string][]string{
	"casa": {"house", "home"},
	"cane": {"dog"},
}

type testOpts struct {
	acceptTimeout time.Duration
	matchDuration time.Duration
	table         map[string][]string
}

func newTestServer(t *testing.T, opts testOpts, users ...string) *Server {
	t.Helper()
	if opts.acceptTimeout == 0 {
		opts.acceptTimeout = 2 * time.Second
	}
	if opts.matchDuration == 0 {
		opts.matchDuration = 5 * time.Second
	}
	if opts.table == nil {
		opts.table = testTable
	}

	cfg := DefaultConfig()
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.MetricsInterval = 0
	cfg.Words = 2
	cfg.AcceptTimeout = opts.acceptTimeout
	cfg.MatchDuration = opts.matchDuration
	cfg.LoginRate = 0.01
	cfg.LoginBurst = 2

	reg := registry.New(store.NewMemory(), nil)
	for _, u := range users {
		if err := reg.Register(t.Context(), u, u+"-pw"); err != nil {
			t.Fatalf("Register(%q): %v", u, err)
		}
	}

	srv := New(cfg, Dependencies{
		Registry:   reg,
		Dictionary: dictionary.New([]string{"casa", "cane"}),
		Translator: translate.NewStatic(opts.table),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

// testClient speaks the command protocol over TCP and listens for notices on
// a UDP socket bound to the same local port.
type testClient struct {
	t   *testing.T
	tcp net.Conn
	udp *net.UDPConn
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	tcp, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	local := tcp.LocalAddr().(*net.TCPAddr)
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: local.IP, Port: local.Port})
	if err != nil {
		_ = tcp.Close()
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() {
		_ = tcp.Close()
		_ = udp.Close()
	})
	return &testClient{t: t, tcp: tcp, udp: udp}
}

func (c *testClient) send(text string) {
	c.t.Helper()
	_ = c.tcp.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := protocol.WriteFrame(c.tcp, []byte(text), protocol.DefaultMaxMessage); err != nil {
		c.t.Fatalf("send %q: %v", text, err)
	}
}

func (c *testClient) read() string {
	c.t.Helper()
	_ = c.tcp.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := protocol.ReadFrame(c.tcp, protocol.DefaultMaxMessage)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return string(frame)
}

func (c *testClient) do(text string) string {
	c.t.Helper()
	c.send(text)
	return c.read()
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	if diff := cmp.Diff(want, c.read()); diff != "" {
		c.t.Fatalf("reply mismatch (-want +got):\n%s", diff)
	}
}

func (c *testClient) expectDo(text, want string) {
	c.t.Helper()
	c.send(text)
	c.expect(want)
}

func (c *testClient) login(name string) {
	c.t.Helper()
	c.expectDo("login "+name+" "+name+"-pw", msgLoggedIn)
}

func (c *testClient) notice() (protocol.Notice, *net.UDPAddr) {
	c.t.Helper()
	_ = c.udp.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, protocol.MaxNotice)
	n, from, err := c.udp.ReadFromUDP(buf)
	if err != nil {
		c.t.Fatalf("read notice: %v", err)
	}
	notice, err := protocol.ParseNotice(buf[:n])
	if err != nil {
		c.t.Fatalf("ParseNotice: %v", err)
	}
	return notice, from
}

func (c *testClient) expectNotice(want protocol.Notice) *net.UDPAddr {
	c.t.Helper()
	got, from := c.notice()
	if diff := cmp.Diff(want, got); diff != "" {
		c.t.Fatalf("notice mismatch (-want +got):\n%s", diff)
	}
	return from
}

func (c *testClient) accept(to *net.UDPAddr) {
	c.t.Helper()
	if _, err := c.udp.WriteToUDP(protocol.Notice{Kind: protocol.NoticeAccepted}.Bytes(), to); err != nil {
		c.t.Fatalf("accept: %v", err)
	}
}

// question reads the next question and returns its word.
func (c *testClient) question(i, words int) string {
	c.t.Helper()
	prefix := fmt.Sprintf("Challenge %d/%d: ", i, words)
	q := c.read()
	if !strings.HasPrefix(q, prefix) {
		c.t.Fatalf("want question %q..., got %q", prefix, q)
	}
	return strings.TrimPrefix(q, prefix)
}

func (c *testClient) banner(opponent string) {
	c.t.Helper()
	if got := c.read(); !strings.Contains(got, "your opponent is: "+opponent) {
		c.t.Fatalf("want banner naming %s, got %q", opponent, got)
	}
}

func expectPoints(t *testing.T, srv *Server, username string, want int) {
	t.Helper()
	got, err := srv.registry.PointsOf(username)
	if err != nil {
		t.Fatalf("PointsOf: %v", err)
	}
	if got != want {
		t.Fatalf("%s points: want %d got %d", username, want, got)
	}
}

func befriend(t *testing.T, srv *Server, a, b string) {
	t.Helper()
	if err := srv.registry.AddFriendship(t.Context(), a, b); err != nil {
		t.Fatalf("AddFriendship: %v", err)
	}
}

func TestCommandsBeforeLogin(t *testing.T) {
	srv := newTestServer(t, testOpts{}, "mario")

	type tcase struct {
		cmd  string
		want string
	}
	tcases := map[string]tcase{
		"unknown verb":       {cmd: "saluta", want: msgUnknownCommand},
		"empty payload":      {cmd: "   ", want: msgUnknownCommand},
		"wrong arity":        {cmd: "login mario", want: fmt.Sprintf(msgWrongArity, "login")},
		"needs login":        {cmd: "lista_amici", want: msgLoginFirst},
		"unknown account":    {cmd: "login ghost pw", want: msgNotRegistered},
		"wrong password":     {cmd: "login mario nope", want: msgWrongPassword},
		"duplicate register": {cmd: "registra mario pw", want: msgUsernameTaken},
		"bad username":       {cmd: "registra bad! pw", want: fmt.Sprintf(msgInvalidUsername, model.ErrUsernameInvalidChars)},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			c := dial(t, srv)
			if diff := cmp.Diff(tc.want, c.do(tc.cmd)); diff != "" {
				t.Errorf("reply mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegisterLoginAndFriends(t *testing.T) {
	srv := newTestServer(t, testOpts{})
	alice, bob := dial(t, srv), dial(t, srv)

	alice.expectDo("registra alice alice-pw", msgRegistered)
	bob.expectDo("registra bob bob-pw", msgRegistered)
	alice.login("alice")
	bob.login("bob")
	alice.expectDo("login alice alice-pw", msgSessionOpen)

	other := dial(t, srv)
	other.expectDo("login alice alice-pw", msgAlreadyOnline)

	alice.expectDo("lista_amici", msgNoFriends)
	alice.expectDo("aggiungi_amico alice", msgSelfFriend)
	alice.expectDo("aggiungi_amico ghost", msgNoSuchUser)
	alice.expectDo("aggiungi_amico bob", msgFriendAdded)
	bob.expectNotice(protocol.Notice{Kind: protocol.NoticeNewFriend, ID: "alice"})
	bob.expectDo("aggiungi_amico alice", msgAlreadyFriends)

	// Repeated listing with no intervening change gives the same answer.
	first := alice.do("lista_amici")
	second := alice.do("lista_amici")
	if diff := cmp.Diff(`["bob"]`, first); diff != "" {
		t.Errorf("lista_amici mismatch (-want +got):\n%s", diff)
	}
	if first != second {
		t.Errorf("lista_amici not idempotent: %q then %q", first, second)
	}
	bob.expectDo("lista_amici", `["alice"]`)

	alice.expectDo("mostra_punteggio", "Your score is 0.")
	alice.expectDo("mostra_classifica", `[{"username":"alice","points":0},{"username":"bob","points":0}]`)

	alice.expectDo("logout", msgLoggedOut)
	alice.expectDo("mostra_punteggio", msgLoginFirst)
	other.login("alice")
	if got := srv.Sessions().Count(); got != 2 {
		t.Errorf("sessions: want 2 got %d", got)
	}
}

func TestLoginThrottledAfterFailures(t *testing.T) {
	srv := newTestServer(t, testOpts{}, "mario")
	c := dial(t, srv)

	c.expectDo("login mario nope", msgWrongPassword)
	c.expectDo("login mario nope", msgWrongPassword)
	c.expectDo("login mario mario-pw", msgTooManyAttempts)

	// The limiter belongs to the connection, not the account.
	dial(t, srv).login("mario")
	if got := srv.Metrics().ThrottledLogins.Load(); got != 1 {
		t.Errorf("throttled logins: want 1 got %d", got)
	}
}

func TestDisconnectEndsSession(t *testing.T) {
	srv := newTestServer(t, testOpts{}, "mario")
	c := dial(t, srv)
	c.login("mario")
	_ = c.tcp.Close()

	deadline := time.Now().Add(3 * time.Second)
	for srv.Sessions().Online("mario") {
		if time.Now().After(deadline) {
			t.Fatalf("session survived the disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	dial(t, srv).login("mario")
}

func TestChallengeRejections(t *testing.T) {
	srv := newTestServer(t, testOpts{acceptTimeout: 3 * time.Second}, "alice", "bob", "carol", "dave")
	befriend(t, srv, "alice", "bob")
	befriend(t, srv, "carol", "bob")
	befriend(t, srv, "alice", "carol")
	befriend(t, srv, "alice", "dave")

	alice, bob, carol := dial(t, srv), dial(t, srv), dial(t, srv)
	alice.login("alice")
	bob.login("bob")
	carol.login("carol")

	alice.expectDo("sfida ghost", msgNoSuchUser)
	alice.expectDo("sfida alice", msgSelfChallenge)
	bob.expectDo("sfida dave", msgNotFriends)
	alice.expectDo("sfida dave", msgOffline)

	alice.expectDo("sfida bob", fmt.Sprintf(msgChallengeSent, "bob"))
	bob.expectNotice(protocol.Notice{Kind: protocol.NoticeAdd, ID: "alice"})

	carol.expectDo("sfida bob", msgBusy)
	carol.expectDo("sfida alice", msgBusy)
	alice.expectDo("sfida carol", msgAlreadyChallenge)
	if got := srv.board.Count(); got != 1 {
		t.Errorf("open challenges: want 1 got %d", got)
	}
}

func TestChallengeExpiresWithOneRejection(t *testing.T) {
	srv := newTestServer(t, testOpts{acceptTimeout: 300 * time.Millisecond}, "alice", "bob")
	befriend(t, srv, "alice", "bob")
	alice, bob := dial(t, srv), dial(t, srv)
	alice.login("alice")
	bob.login("bob")

	alice.expectDo("sfida bob", fmt.Sprintf(msgChallengeSent, "bob"))
	bob.expectNotice(protocol.Notice{Kind: protocol.NoticeAdd, ID: "alice"})
	bob.expectNotice(protocol.Notice{Kind: protocol.NoticeRemove, ID: "alice"})
	alice.expect(msgNotAccepted)

	// The next frame is the reply to this command, so no second rejection
	// was queued in between.
	alice.expectDo("mostra_punteggio", "Your score is 0.")
	bob.expectDo("mostra_punteggio", "Your score is 0.")
	if got := srv.Metrics().ChallengesExpired.Load(); got != 1 {
		t.Errorf("expired challenges: want 1 got %d", got)
	}
}

func TestInviteeLeavesBeforeAnswering(t *testing.T) {
	srv := newTestServer(t, testOpts{acceptTimeout: 3 * time.Second}, "alice", "bob")
	befriend(t, srv, "alice", "bob")
	alice, bob := dial(t, srv), dial(t, srv)
	alice.login("alice")
	bob.login("bob")

	alice.expectDo("sfida bob", fmt.Sprintf(msgChallengeSent, "bob"))
	bob.expectNotice(protocol.Notice{Kind: protocol.NoticeAdd, ID: "alice"})
	_ = bob.tcp.Close()

	alice.expect(msgNotAccepted)
	alice.expectDo("mostra_punteggio", "Your score is 0.")
}

func TestTranslationFailureCancelsMatch(t *testing.T) {
	srv := newTestServer(t, testOpts{table: map[string][]string{"casa": {"house"}}}, "alice", "bob")
	befriend(t, srv, "alice", "bob")
	alice, bob := dial(t, srv), dial(t, srv)
	alice.login("alice")
	bob.login("bob")

	alice.expectDo("sfida bob", fmt.Sprintf(msgChallengeSent, "bob"))
	from := bob.expectNotice(protocol.Notice{Kind: protocol.NoticeAdd, ID: "alice"})
	bob.accept(from)
	bob.expectNotice(protocol.Notice{Kind: protocol.NoticeStarting, ID: "alice"})

	alice.expect(msgTranslationUnavailable)
	bob.expect(msgTranslationUnavailable)

	// Both connections still belong to the dispatcher and nothing was scored.
	alice.expectDo("mostra_punteggio", "Your score is 0.")
	bob.expectDo("mostra_punteggio", "Your score is 0.")
	if got := srv.Metrics().MatchesStarted.Load(); got != 0 {
		t.Errorf("matches started: want 0 got %d", got)
	}
}

func startDuel(t *testing.T, srv *Server) (alice, bob *testClient) {
	t.Helper()
	befriend(t, srv, "alice", "bob")
	alice, bob = dial(t, srv), dial(t, srv)
	alice.login("alice")
	bob.login("bob")

	alice.expectDo("sfida bob", fmt.Sprintf(msgChallengeSent, "bob"))
	from := bob.expectNotice(protocol.Notice{Kind: protocol.NoticeAdd, ID: "alice"})
	bob.accept(from)
	bob.expectNotice(protocol.Notice{Kind: protocol.NoticeStarting, ID: "alice"})
	return alice, bob
}

func TestFullMatch(t *testing.T) {
	srv := newTestServer(t, testOpts{}, "alice", "bob")
	alice, bob := startDuel(t, srv)

	alice.banner("bob")
	for i := 1; i <= 2; i++ {
		word := alice.question(i, 2)
		alice.send(testTable[word][0])
	}
	alice.expect("You translated 2 words correctly, got 0 wrong and left 0 unanswered. Please wait...")

	bob.banner("alice")
	for i := 1; i <= 2; i++ {
		bob.question(i, 2)
		bob.send("wrong")
	}
	bob.expect("You translated 0 words correctly, got 2 wrong and left 0 unanswered. Please wait...")

	alice.expect("You scored 4 points. Your opponent scored -2 points.\nCongratulations, you won! You earned 3 bonus points, for a total of 3 points.")
	bob.expect("You scored -2 points. Your opponent scored 4 points.\nToo bad, you lost! Better luck next time.")

	expectPoints(t, srv, "alice", 3)
	expectPoints(t, srv, "bob", 0)
	alice.expectDo("mostra_punteggio", "Your score is 3.")
	bob.expectDo("mostra_classifica", `[{"username":"alice","points":3},{"username":"bob","points":0}]`)
	if srv.InGame().Has("alice") || srv.InGame().Has("bob") {
		t.Errorf("players still marked in game")
	}
}

func TestSilentOpponentTimesOut(t *testing.T) {
	srv := newTestServer(t, testOpts{matchDuration: time.Second}, "alice", "bob")
	alice, bob := startDuel(t, srv)

	alice.banner("bob")
	for i := 1; i <= 2; i++ {
		accepted := testTable[alice.question(i, 2)]
		alice.send(strings.ToUpper(accepted[len(accepted)-1]))
	}
	alice.expect("You translated 2 words correctly, got 0 wrong and left 0 unanswered. Please wait...")

	bob.banner("alice")
	bob.question(1, 2)

	// Bob never answers; the deadline closes the match for both.
	alice.expectNotice(protocol.Notice{Kind: protocol.NoticeTimeout, ID: "alice"})
	bob.expectNotice(protocol.Notice{Kind: protocol.NoticeTimeout, ID: "bob"})
	bob.expect("Time is up for this challenge; your last pending answer was not counted.")
	bob.expect("You translated 0 words correctly, got 0 wrong and left 2 unanswered. Please wait...")
	bob.expect("You scored 0 points. Your opponent scored 4 points.\nToo bad, you lost! Better luck next time.")
	alice.expect("You scored 4 points. Your opponent scored 0 points.\nCongratulations, you won! You earned 3 bonus points, for a total of 3 points.")

	expectPoints(t, srv, "alice", 3)
	if got := srv.Metrics().MatchesTimedOut.Load(); got != 1 {
		t.Errorf("timed out matches: want 1 got %d", got)
	}
}

func TestInviteeDropsAfterAccepting(t *testing.T) {
	srv := newTestServer(t, testOpts{}, "alice", "bob")
	alice, bob := startDuel(t, srv)
	_ = bob.tcp.Close()

	alice.banner("bob")
	for i := 1; i <= 2; i++ {
		alice.question(i, 2)
		alice.send("nope")
	}
	alice.expect("You translated 0 words correctly, got 2 wrong and left 0 unanswered. Please wait...")
	// Two wrong answers still beat a forfeit.
	alice.expect("You scored -2 points. Your opponent scored -3 points.\nCongratulations, you won! You earned 3 bonus points, for a total of 3 points.")

	expectPoints(t, srv, "alice", 3)
	expectPoints(t, srv, "bob", 0)
	alice.expectDo("mostra_punteggio", "Your score is 3.")
}

func TestCommandWhileWaitingIsAnsweredAfterOutcome(t *testing.T) {
	srv := newTestServer(t, testOpts{}, "alice", "bob")
	alice, bob := startDuel(t, srv)

	alice.banner("bob")
	for i := 1; i <= 2; i++ {
		alice.send(testTable[alice.question(i, 2)][0])
	}
	alice.expect("You translated 2 words correctly, got 0 wrong and left 0 unanswered. Please wait...")
	alice.send("mostra_punteggio")

	bob.banner("alice")
	for i := 1; i <= 2; i++ {
		bob.question(i, 2)
		bob.send("wrong")
	}
	bob.expect("You translated 0 words correctly, got 2 wrong and left 0 unanswered. Please wait...")

	alice.expect("You scored 4 points. Your opponent scored -2 points.\nCongratulations, you won! You earned 3 bonus points, for a total of 3 points.")
	alice.expect("Your score is 3.")
	bob.expect("You scored -2 points. Your opponent scored 4 points.\nToo bad, you lost! Better luck next time.")
}

func TestAcceptFromAnotherAddressIgnored(t *testing.T) {
	srv := newTestServer(t, testOpts{acceptTimeout: 300 * time.Millisecond}, "alice", "bob")
	befriend(t, srv, "alice", "bob")
	alice, bob := dial(t, srv), dial(t, srv)
	alice.login("alice")
	bob.login("bob")

	alice.expectDo("sfida bob", fmt.Sprintf(msgChallengeSent, "bob"))
	from := bob.expectNotice(protocol.Notice{Kind: protocol.NoticeAdd, ID: "alice"})

	stranger, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer stranger.Close()
	if _, err := stranger.WriteToUDP(protocol.Notice{Kind: protocol.NoticeAccepted}.Bytes(), from); err != nil {
		t.Fatalf("stranger accept: %v", err)
	}

	bob.expectNotice(protocol.Notice{Kind: protocol.NoticeRemove, ID: "alice"})
	alice.expect(msgNotAccepted)
	if got := srv.Metrics().MatchesStarted.Load(); got != 0 {
		t.Errorf("matches started: want 0 got %d", got)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	srv := newTestServer(t, testOpts{}, "mario")
	dial(t, srv).login("mario")
	router := srv.metricsRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status: %d", rec.Code)
	}
	for _, want := range []string{
		"# TYPE wordquizzle_connections_total counter",
		"wordquizzle_login_success_total 1",
		"wordquizzle_accounts 1",
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("/metrics missing %q", want)
		}
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if diff := cmp.Diff("ok\n", rec.Body.String()); diff != "" {
		t.Errorf("/healthz mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	type tcase struct {
		mutate  func(*Config)
		wantErr bool
	}
	tcases := map[string]tcase{
		"defaults":         {mutate: func(*Config) {}, wantErr: false},
		"no words":         {mutate: func(c *Config) { c.Words = 0 }, wantErr: true},
		"negative penalty": {mutate: func(c *Config) { c.WrongPenalty = -1 }, wantErr: true},
		"zero timeout":     {mutate: func(c *Config) { c.AcceptTimeout = 0 }, wantErr: true},
		"tiny messages":    {mutate: func(c *Config) { c.MaxMessage = 8 }, wantErr: true},
		"no control addr":  {mutate: func(c *Config) { c.ControlAddr = "" }, wantErr: true},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate: wantErr=%v got %v", tc.wantErr, err)
			}
		})
	}
}

func TestExportAccountsYAML(t *testing.T) {
	accounts := []model.Account{
		{Username: "alice", SecretHash: []byte{1}, Salt: []byte{2}, Points: 7, Friends: []string{"bob"}},
		{Username: "bob", Points: 0, Friends: []string{"alice"}},
		{Username: "carol", Points: 1},
	}
	data, err := ExportAccountsYAML(accounts)
	if err != nil {
		t.Fatalf("ExportAccountsYAML: %v", err)
	}
	for _, secret := range []string{"secret", "salt"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("export leaks %q:\n%s", secret, data)
		}
	}

	var got AccountsExport
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	want := AccountsExport{Accounts: []AccountYAML{
		{Username: "alice", Points: 7, Friends: []string{"bob"}},
		{Username: "bob", Points: 0, Friends: []string{"alice"}},
		{Username: "carol", Points: 1},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("export mismatch (-want +got):\n%s", diff)
	}
}
