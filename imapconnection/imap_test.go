// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var since = time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)

func u32range(from, to int) []uint32 {
	a := []uint32{}
	for i := from; i <= to; i++ {
		a = append(a, uint32(i))
	}
	return a
}

// serve answers a UidFetch with one message per requested uid. Uids listed in
// withoutBody come back without a body section.
func serve(withoutBody ...uint32) func(*imap.SeqSet, []imap.FetchItem, chan *imap.Message) error {
	return func(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
		defer close(ch)
		skip := map[uint32]bool{}
		for _, uid := range withoutBody {
			skip[uid] = true
		}
		for _, seq := range seqset.Set {
			for uid := seq.Start; uid <= seq.Stop; uid++ {
				msg := &imap.Message{
					Uid:          uid,
					InternalDate: since.Add(time.Duration(uid) * time.Minute),
					Body:         map[*imap.BodySectionName]imap.Literal{},
				}
				if skip[uid] {
					ch <- msg
					continue
				}
				raw := fmt.Sprintf("Message-Id: <%d@example.com>\r\nFrom: Sender %d <s%d@example.com>\r\nSubject: mail %d\r\n\r\nbody %d", uid, uid, uid, uid, uid)
				msg.Body[&imap.BodySectionName{}] = bytes.NewBufferString(raw)
				ch <- msg
			}
		}
		return nil
	}
}

// connected returns a connection that already holds conn and must not dial.
func connected(t *testing.T, conn imapClient, folder string) *ImapConnection {
	ic := newImapConnection(func() (imapClient, error) {
		t.Error("unexpected dial")
		return nil, errors.New("unexpected dial")
	}, folder, time.Millisecond)
	ic.connection = conn
	return ic
}

func TestFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	conn := NewMockimapClient(ctrl)
	ic := connected(t, conn, "")

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	criteria.WithoutFlags = []string{imap.SeenFlag}

	gomock.InOrder(
		conn.EXPECT().Select(gomock.Eq("INBOX"), gomock.Eq(true)).Return(&imap.MailboxStatus{}, nil),
		conn.EXPECT().UidSearch(gomock.Eq(criteria)).Return(u32range(1, 60), nil),
		conn.EXPECT().UidFetch(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
				expected := &imap.SeqSet{}
				expected.AddNum(u32range(1, 50)...)
				assert.Equal(t, expected, seqset)
				assert.Contains(t, items, imap.FetchInternalDate)
				return serve(3)(seqset, items, ch)
			}),
		conn.EXPECT().UidFetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(serve()),
	)

	mails, err := ic.Fetch(context.Background(), since, true)
	require.NoError(t, err)
	require.Len(t, mails, 59)

	first := mails[0]
	assert.Equal(t, "Sender 1", first.SenderName)
	assert.Equal(t, "s1@example.com", first.SenderAddress)
	assert.Equal(t, "mail 1", first.Subject)
	assert.Equal(t, "body 1", first.Body)
	assert.Equal(t, since.Add(time.Minute), first.ReceivedAt)
	assert.Equal(t, "mail 4", mails[2].Subject)
	assert.Equal(t, "mail 60", mails[58].Subject)
}

func TestFetchNothingNew(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	conn := NewMockimapClient(ctrl)
	ic := connected(t, conn, "Archive")

	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	conn.EXPECT().Select(gomock.Eq("Archive"), gomock.Eq(true)).Return(&imap.MailboxStatus{}, nil)
	conn.EXPECT().UidSearch(gomock.Eq(criteria)).Return([]uint32{}, nil)

	mails, err := ic.Fetch(context.Background(), since, false)
	require.NoError(t, err)
	assert.NotNil(t, mails)
	assert.Empty(t, mails)
}

func TestFetchErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	conn := NewMockimapClient(ctrl)
	ic := connected(t, conn, "")

	conn.EXPECT().Select(gomock.Any(), gomock.Any()).Return(nil, errors.New("no such mailbox"))
	conn.EXPECT().State().Return(imap.ConnState(imap.AuthenticatedState))
	_, err := ic.Fetch(context.Background(), since, false)
	assert.EqualError(t, err, "could not select folder: no such mailbox")

	conn.EXPECT().Select(gomock.Any(), gomock.Any()).Return(&imap.MailboxStatus{}, nil)
	conn.EXPECT().UidSearch(gomock.Any()).Return(u32range(1, 2), nil)
	conn.EXPECT().UidFetch(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
			close(ch)
			return errors.New("message too large")
		})
	conn.EXPECT().State().Return(imap.ConnState(imap.SelectedState))
	_, err = ic.Fetch(context.Background(), since, false)
	assert.EqualError(t, err, "could not fetch mails: message too large")
}

func TestFetchCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	conn := NewMockimapClient(ctrl)
	ic := connected(t, conn, "")

	conn.EXPECT().Select(gomock.Any(), gomock.Any()).Return(&imap.MailboxStatus{}, nil)
	conn.EXPECT().UidSearch(gomock.Any()).Return(u32range(1, 5), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ic.Fetch(ctx, since, false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	conn := NewMockimapClient(ctrl)
	conn.EXPECT().Logout().Return(nil)

	assert.NoError(t, connected(t, conn, "").Close())

	// lost connection that was not redialed yet
	assert.NoError(t, connected(t, nil, "").Close())
}

func TestFetchRedialsDroppedConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	first := NewMockimapClient(ctrl)
	second := NewMockimapClient(ctrl)
	dials := 0
	ic := newImapConnection(func() (imapClient, error) {
		dials++
		return second, nil
	}, "", time.Millisecond)
	ic.connection = first

	gomock.InOrder(
		first.EXPECT().Select(gomock.Any(), gomock.Any()).Return(&imap.MailboxStatus{}, nil),
		first.EXPECT().UidSearch(gomock.Any()).Return(u32range(1, 2), nil),
		first.EXPECT().UidFetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(serve()),

		// server closes the idle connection between two runs
		first.EXPECT().Select(gomock.Any(), gomock.Any()).Return(nil, errors.New("imap: connection closed")),
		first.EXPECT().State().Return(imap.ConnState(imap.LogoutState)),
		first.EXPECT().Logout().Return(errors.New("Already logged out")),

		second.EXPECT().Select(gomock.Any(), gomock.Any()).Return(&imap.MailboxStatus{}, nil),
		second.EXPECT().UidSearch(gomock.Any()).Return(u32range(3, 4), nil),
		second.EXPECT().UidFetch(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(serve()),
	)

	mails, err := ic.Fetch(context.Background(), since, false)
	require.NoError(t, err)
	require.Len(t, mails, 2)
	assert.Equal(t, 0, dials)

	mails, err = ic.Fetch(context.Background(), since, false)
	require.NoError(t, err)
	require.Len(t, mails, 2)
	assert.Equal(t, "mail 3", mails[0].Subject)
	assert.Equal(t, 1, dials)
}

func TestFetchGivesUpWhenRedialFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	conn := NewMockimapClient(ctrl)
	dials := 0
	ic := newImapConnection(func() (imapClient, error) {
		dials++
		return nil, errors.New("could not dial to imap: connection refused")
	}, "", time.Millisecond)
	ic.connection = conn

	reset := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
	conn.EXPECT().Select(gomock.Any(), gomock.Any()).Return(&imap.MailboxStatus{}, nil)
	conn.EXPECT().UidSearch(gomock.Any()).Return(nil, reset)
	conn.EXPECT().State().Return(imap.ConnState(imap.SelectedState))
	conn.EXPECT().Logout().Return(nil)

	_, err := ic.Fetch(context.Background(), since, false)
	assert.EqualError(t, err, "could not dial to imap: connection refused")
	assert.Equal(t, maxRedials, dials)
	assert.Nil(t, ic.connection)
}
