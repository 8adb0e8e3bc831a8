package node

import (
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/lsnp/internal/config"
	"github.com/petervdpas/lsnp/internal/filetransfer"
	"github.com/petervdpas/lsnp/internal/token"
	"github.com/petervdpas/lsnp/internal/wire"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.Username = "alice"
	cfg.Identity.DisplayName = "Alice"
	cfg.Network.Port = 0
	cfg.Paths.DataDir = t.TempDir()
	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

// fakePeer binds a loopback socket standing in for a remote peer.
func fakePeer(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr)
}

func readFrame(t *testing.T, conn *net.UDPConn, timeout time.Duration) *wire.Frame {
	t.Helper()
	buf := make([]byte, 65536)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	nr, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	f, err := wire.Parse(buf[:nr])
	require.NoError(t, err)
	return f
}

func issue(userID, scope string) string {
	return token.NewRegistry().Issue(userID, scope, time.Minute)
}

const bob = "bob@127.0.0.1"

func TestInboundDMAppendsAndAcks(t *testing.T) {
	n := newTestNode(t)
	conn, addr := fakePeer(t)
	n.peers.Upsert(bob, "Bob", "127.0.0.1", addr.Port)

	f := wire.New(wire.TypeDM).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldContent, "hello").
		Set(wire.FieldTimestamp, "1730000000").
		Set(wire.FieldMessageID, "m-1").
		Set(wire.FieldToken, issue(bob, token.ScopeChat))
	n.handleDatagram(f.Marshal(), addr)

	entries, err := n.Inbox(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], "Bob: hello")

	ack := readFrame(t, conn, time.Second)
	assert.Equal(t, wire.TypeAck, ack.Type())
	assert.Equal(t, "m-1", ack.Get(wire.FieldMessageID))
	assert.Equal(t, "RECEIVED", ack.Get(wire.FieldStatus))
}

func TestTokenScopeRejection(t *testing.T) {
	n := newTestNode(t)
	conn, addr := fakePeer(t)

	// A DM must carry a chat-scoped token; a post token is rejected.
	f := wire.New(wire.TypeDM).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldContent, "hello").
		Set(wire.FieldTimestamp, "1730000000").
		Set(wire.FieldMessageID, "m-1").
		Set(wire.FieldToken, issue(bob, token.ScopePost))
	n.handleDatagram(f.Marshal(), addr)

	entries, err := n.Inbox(0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	buf := make([]byte, 128)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = conn.ReadFromUDP(buf)
	assert.Error(t, err, "no ACK may be emitted for a rejected frame")
}

func TestSenderIPBindingDrop(t *testing.T) {
	n := newTestNode(t)
	_, addr := fakePeer(t)

	f := wire.New(wire.TypeFollow).
		Set(wire.FieldFrom, "mallory@10.9.9.9").
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldMessageID, "m-1").
		Set(wire.FieldTimestamp, "1730000000").
		Set(wire.FieldToken, issue("mallory@10.9.9.9", token.ScopeFollow))
	n.handleDatagram(f.Marshal(), addr)

	assert.Empty(t, n.Followers())

	stats := n.IPStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "127.0.0.1", stats[0].IP)
}

func TestInboundFollowUnfollow(t *testing.T) {
	n := newTestNode(t)
	_, addr := fakePeer(t)

	follow := wire.New(wire.TypeFollow).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldMessageID, "m-1").
		Set(wire.FieldTimestamp, "1730000000").
		Set(wire.FieldToken, issue(bob, token.ScopeFollow))
	n.handleDatagram(follow.Marshal(), addr)
	assert.Equal(t, []string{bob}, n.Followers())

	// Duplicate delivery is safe.
	n.handleDatagram(follow.Marshal(), addr)
	assert.Equal(t, []string{bob}, n.Followers())

	unfollow := wire.New(wire.TypeUnfollow).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldMessageID, "m-2").
		Set(wire.FieldTimestamp, "1730000001").
		Set(wire.FieldToken, issue(bob, token.ScopeUnfollow))
	n.handleDatagram(unfollow.Marshal(), addr)
	assert.Empty(t, n.Followers())
}

func TestLikeToggleRoundTrip(t *testing.T) {
	n := newTestNode(t)
	conn, addr := fakePeer(t)
	n.peers.Upsert(bob, "Bob", "127.0.0.1", addr.Port)

	go n.udp.ReceiveLoop(n.ctx, n.handleDatagram)

	// The fake peer acknowledges everything it receives.
	go func() {
		buf := make([]byte, 65536)
		for {
			nr, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			f, err := wire.Parse(buf[:nr])
			if err != nil || !f.Has(wire.FieldMessageID) {
				continue
			}
			ack := wire.New(wire.TypeAck).
				Set(wire.FieldMessageID, f.Get(wire.FieldMessageID)).
				Set(wire.FieldStatus, "RECEIVED")
			conn.WriteToUDP(ack.Marshal(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.udp.Port()})
		}
	}()

	action, err := n.ToggleLike("bob", "1730000000")
	require.NoError(t, err)
	assert.Equal(t, "LIKE", action)

	action, err = n.ToggleLike("bob", "1730000000")
	require.NoError(t, err)
	assert.Equal(t, "UNLIKE", action)
}

func TestFileTransferReassembly(t *testing.T) {
	n := newTestNode(t)
	conn, addr := fakePeer(t)
	n.peers.Upsert(bob, "Bob", "127.0.0.1", addr.Port)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	offer := wire.New(wire.TypeFileOffer).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldFilename, "notes.txt").
		Set(wire.FieldFilesize, strconv.Itoa(len(payload))).
		Set(wire.FieldFiletype, "text/plain").
		Set(wire.FieldFileID, "f-1").
		Set(wire.FieldDescription, "test").
		Set(wire.FieldTimestamp, "1730000000").
		Set(wire.FieldToken, issue(bob, token.ScopeFile))
	n.handleDatagram(offer.Marshal(), addr)
	require.Len(t, n.PendingFiles(), 1)

	require.NoError(t, n.AcceptFile("f-1"))
	accept := readFrame(t, conn, time.Second)
	assert.Equal(t, wire.TypeFileAccept, accept.Type())
	assert.Equal(t, "f-1", accept.Get(wire.FieldFileID))

	// Chunks arrive out of order: 2, 0, 1.
	for _, idx := range []int{2, 0, 1} {
		part := filetransfer.Chunk(payload, idx, filetransfer.ChunkSize)
		chunk := wire.New(wire.TypeFileChunk).
			Set(wire.FieldFrom, bob).
			Set(wire.FieldTo, n.SelfID()).
			Set(wire.FieldFileID, "f-1").
			Set(wire.FieldChunkIndex, strconv.Itoa(idx)).
			Set(wire.FieldTotalChunks, "3").
			Set(wire.FieldChunkSize, strconv.Itoa(len(part))).
			Set(wire.FieldToken, issue(bob, token.ScopeFile)).
			Set(wire.FieldData, base64.StdEncoding.EncodeToString(part))
		n.handleDatagram(chunk.Marshal(), addr)
	}

	path := filepath.Join(n.cfg.Paths.DataDir, n.SelfID(), "downloads", "notes.txt")
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, written)

	received := readFrame(t, conn, time.Second)
	assert.Equal(t, wire.TypeFileRecv, received.Type())
	assert.Equal(t, "COMPLETE", received.Get(wire.FieldStatus))

	transfers := n.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, filetransfer.Completed, transfers[0].Status)
	assert.Equal(t, path, transfers[0].LocalPath)
}

func TestChunkSenderAndDirectionChecks(t *testing.T) {
	n := newTestNode(t)
	conn, addr := fakePeer(t)
	n.peers.Upsert(bob, "Bob", "127.0.0.1", addr.Port)
	carol := "carol@127.0.0.1"

	offer := wire.New(wire.TypeFileOffer).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldFilename, "notes.txt").
		Set(wire.FieldFilesize, "100").
		Set(wire.FieldFiletype, "text/plain").
		Set(wire.FieldFileID, "f-1").
		Set(wire.FieldTimestamp, "1730000000").
		Set(wire.FieldToken, issue(bob, token.ScopeFile))
	n.handleDatagram(offer.Marshal(), addr)
	require.NoError(t, n.AcceptFile("f-1"))
	readFrame(t, conn, time.Second) // FILE_ACCEPT

	// A third party on the same host cannot feed chunks into bob's transfer.
	data := base64.StdEncoding.EncodeToString([]byte("injected"))
	rogue := wire.New(wire.TypeFileChunk).
		Set(wire.FieldFrom, carol).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldFileID, "f-1").
		Set(wire.FieldChunkIndex, "0").
		Set(wire.FieldTotalChunks, "1").
		Set(wire.FieldChunkSize, "8").
		Set(wire.FieldToken, issue(carol, token.ScopeFile)).
		Set(wire.FieldData, data)
	n.handleDatagram(rogue.Marshal(), addr)

	tr, ok := n.files.Get("f-1")
	require.True(t, ok)
	assert.Zero(t, tr.ReceivedBytes)
	assert.Equal(t, filetransfer.InProgress, tr.Status)

	// Chunks addressed at our own outgoing transfer are dropped too: the
	// peer must not be able to "complete" it with its bytes.
	n.files.TrackOutgoing("f-out", bob, "up.bin", "application/octet-stream", "", 8)
	require.NoError(t, n.files.Transition("f-out", filetransfer.InProgress))

	echo := wire.New(wire.TypeFileChunk).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldFileID, "f-out").
		Set(wire.FieldChunkIndex, "0").
		Set(wire.FieldTotalChunks, "1").
		Set(wire.FieldChunkSize, "8").
		Set(wire.FieldToken, issue(bob, token.ScopeFile)).
		Set(wire.FieldData, data)
	n.handleDatagram(echo.Marshal(), addr)

	tr, ok = n.files.Get("f-out")
	require.True(t, ok)
	assert.Zero(t, tr.ReceivedBytes)
	assert.Equal(t, filetransfer.InProgress, tr.Status)
	assert.Empty(t, tr.LocalPath)
}

func TestZeroSizeOfferDropped(t *testing.T) {
	n := newTestNode(t)
	_, addr := fakePeer(t)
	n.peers.Upsert(bob, "Bob", "127.0.0.1", addr.Port)

	offer := wire.New(wire.TypeFileOffer).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldFilename, "empty.txt").
		Set(wire.FieldFilesize, "0").
		Set(wire.FieldFiletype, "text/plain").
		Set(wire.FieldFileID, "f-0").
		Set(wire.FieldTimestamp, "1730000000").
		Set(wire.FieldToken, issue(bob, token.ScopeFile))
	n.handleDatagram(offer.Marshal(), addr)
	assert.Empty(t, n.PendingFiles())

	// And the sending side refuses to offer an empty file at all.
	path := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := n.OfferFile("bob", path, "")
	assert.ErrorIs(t, err, filetransfer.ErrEmptyFile)
}

func TestUnmatchedFileResponseLeavesNoVerdict(t *testing.T) {
	n := newTestNode(t)
	_, addr := fakePeer(t)

	// FILE_ACCEPT long after the offer waiter gave up: no waiter exists, so
	// the verdict entry must not stick around.
	accept := wire.New(wire.TypeFileAccept).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldFileID, "f-gone").
		Set(wire.FieldTimestamp, "1730000000").
		Set(wire.FieldToken, issue(bob, token.ScopeFile))
	n.handleDatagram(accept.Marshal(), addr)

	n.mu.Lock()
	left := len(n.offerVerdict)
	n.mu.Unlock()
	assert.Zero(t, left)
}

func TestGroupLifecycleInbound(t *testing.T) {
	n := newTestNode(t)
	_, addr := fakePeer(t)
	carol := "carol@127.0.0.1"

	create := wire.New(wire.TypeGroupCreate).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldGroupID, "g-1").
		Set(wire.FieldGroupName, "team").
		Set(wire.FieldMembers, bob+","+n.SelfID()).
		Set(wire.FieldTimestamp, "1730000000").
		Set(wire.FieldToken, issue(bob, token.ScopeGroup))
	n.handleDatagram(create.Marshal(), addr)

	g, ok := n.groups.Get("g-1")
	require.True(t, ok)
	assert.Equal(t, "team", g.Name)
	assert.Equal(t, []string{bob, n.SelfID()}, g.Members)

	add := wire.New(wire.TypeGroupAdd).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldGroupID, "g-1").
		Set(wire.FieldGroupName, "team").
		Set(wire.FieldAdd, carol).
		Set(wire.FieldMembers, bob+","+n.SelfID()+","+carol).
		Set(wire.FieldTimestamp, "1730000001").
		Set(wire.FieldToken, issue(bob, token.ScopeGroup))
	n.handleDatagram(add.Marshal(), addr)

	g, _ = n.groups.Get("g-1")
	assert.Equal(t, []string{bob, n.SelfID(), carol}, g.Members)

	// A non-owner's ADD is ignored.
	rogue := wire.New(wire.TypeGroupAdd).
		Set(wire.FieldFrom, carol).
		Set(wire.FieldGroupID, "g-1").
		Set(wire.FieldMembers, carol).
		Set(wire.FieldTimestamp, "1730000002").
		Set(wire.FieldToken, issue(carol, token.ScopeGroup))
	n.handleDatagram(rogue.Marshal(), addr)

	g, _ = n.groups.Get("g-1")
	assert.Equal(t, []string{bob, n.SelfID(), carol}, g.Members)

	remove := wire.New(wire.TypeGroupRemove).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldGroupID, "g-1").
		Set(wire.FieldRemove, n.SelfID()).
		Set(wire.FieldTimestamp, "1730000003").
		Set(wire.FieldToken, issue(bob, token.ScopeGroup))
	n.handleDatagram(remove.Marshal(), addr)

	_, ok = n.groups.Get("g-1")
	assert.False(t, ok, "expelled peers drop the group record")
}

func TestGameInviteAndResult(t *testing.T) {
	n := newTestNode(t)
	_, addr := fakePeer(t)

	invite := wire.New(wire.TypeGameInvite).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldGameID, "g-7").
		Set(wire.FieldMessageID, "m-1").
		Set(wire.FieldSymbol, "X").
		Set(wire.FieldTimestamp, "1730000000").
		Set(wire.FieldToken, issue(bob, token.ScopeGame))
	n.handleDatagram(invite.Marshal(), addr)

	g, ok := n.games.Get("g-7")
	require.True(t, ok)
	assert.Equal(t, byte('O'), g.Symbol, "the invitee plays the other symbol")
	assert.Equal(t, bob, g.Opponent)
	assert.True(t, g.Active)

	result := wire.New(wire.TypeGameResult).
		Set(wire.FieldFrom, bob).
		Set(wire.FieldTo, n.SelfID()).
		Set(wire.FieldGameID, "g-7").
		Set(wire.FieldMessageID, "m-2").
		Set(wire.FieldResult, "WIN").
		Set(wire.FieldSymbol, "X").
		Set(wire.FieldWinningLine, "0,4,8").
		Set(wire.FieldTimestamp, "1730000001").
		Set(wire.FieldToken, issue(bob, token.ScopeGame))
	n.handleDatagram(result.Marshal(), addr)

	g, _ = n.games.Get("g-7")
	assert.False(t, g.Active)
}

func TestProfileUpsertAndAvatar(t *testing.T) {
	n := newTestNode(t)
	_, addr := fakePeer(t)

	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, []byte("tiny")...)
	profile := wire.New(wire.TypeProfile).
		Set(wire.FieldUserID, bob).
		Set(wire.FieldDisplayName, "Bob").
		Set(wire.FieldTimestamp, "1730000000").
		Set(wire.FieldMessageID, "m-1").
		Set(wire.FieldAvatarType, "image/png").
		Set(wire.FieldAvatarEnc, "base64").
		Set(wire.FieldAvatarData, base64.StdEncoding.EncodeToString(png))
	n.handleDatagram(profile.Marshal(), addr)

	rec, ok := n.peers.Get(bob)
	require.True(t, ok)
	assert.Equal(t, "Bob", rec.DisplayName)
	assert.Equal(t, "image/png", rec.AvatarMIME)
	assert.Equal(t, png, rec.Avatar)

	// A bogus avatar is dropped but the profile fields still land.
	bad := wire.New(wire.TypeProfile).
		Set(wire.FieldUserID, bob).
		Set(wire.FieldDisplayName, "Bobby").
		Set(wire.FieldTimestamp, "1730000001").
		Set(wire.FieldMessageID, "m-2").
		Set(wire.FieldAvatarType, "image/png").
		Set(wire.FieldAvatarEnc, "base64").
		Set(wire.FieldAvatarData, base64.StdEncoding.EncodeToString([]byte("not a png")))
	n.handleDatagram(bad.Marshal(), addr)

	rec, _ = n.peers.Get(bob)
	assert.Equal(t, "Bobby", rec.DisplayName)
	assert.Equal(t, png, rec.Avatar, "the cached avatar survives an invalid update")
}
