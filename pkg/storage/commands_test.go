/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage_test

import (
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var commandColumns = []string{
	"id", "agent_id", "kind", "payload", "status", "created_at", "expires_at",
	"picked_up_at", "completed_at", "result_message", "error_message",
}

var _ = Describe("CommandStore", func() {
	var now time.Time

	BeforeEach(func() {
		now = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	})

	It("should reject malformed commands before touching the database", func() {
		err := client.Commands.Enqueue(ctx, &core.Command{
			ID:        "cmd-1",
			AgentID:   "agent-1",
			Kind:      core.CommandKind("reboot"),
			CreatedAt: now,
			ExpiresAt: now.Add(5 * time.Minute),
		})
		Expect(errors.IsValidation(err)).To(BeTrue())
	})

	It("should reject commands that expire before they are created", func() {
		err := client.Commands.Enqueue(ctx, &core.Command{
			ID:        "cmd-1",
			AgentID:   "agent-1",
			Kind:      core.CommandShutdown,
			CreatedAt: now,
			ExpiresAt: now,
		})
		Expect(errors.IsValidation(err)).To(BeTrue())
	})

	It("should enqueue a valid command as pending", func() {
		mock.ExpectExec("INSERT INTO commands").
			WithArgs("cmd-1", "agent-1", "switch", []byte(`{"target-pool-id":"us-east-1a:m5.large"}`),
				"pending", now, now.Add(10*time.Minute)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(client.Commands.Enqueue(ctx, &core.Command{
			ID:        "cmd-1",
			AgentID:   "agent-1",
			Kind:      core.CommandSwitch,
			Payload:   []byte(`{"target-pool-id":"us-east-1a:m5.large"}`),
			CreatedAt: now,
			ExpiresAt: now.Add(10 * time.Minute),
		})).To(Succeed())
	})

	It("should return nothing when the agent's queue is empty", func() {
		mock.ExpectQuery("UPDATE commands SET status =").
			WithArgs("agent-1", "pending", "picked-up", now).
			WillReturnRows(sqlmock.NewRows(commandColumns))

		cmd, err := client.Commands.PickUpNext(ctx, "agent-1", now)
		Expect(err).ToNot(HaveOccurred())
		Expect(cmd).To(BeNil())
	})

	It("should claim the oldest pending command exactly once", func() {
		mock.ExpectQuery("UPDATE commands SET status =").
			WithArgs("agent-1", "pending", "picked-up", now).
			WillReturnRows(sqlmock.NewRows(commandColumns).AddRow(
				"cmd-1", "agent-1", "switch", []byte(`{}`), "picked-up", now.Add(-time.Minute),
				now.Add(9*time.Minute), now, nil, "", "",
			))

		cmd, err := client.Commands.PickUpNext(ctx, "agent-1", now)
		Expect(err).ToNot(HaveOccurred())
		Expect(cmd.ID).To(Equal("cmd-1"))
		Expect(cmd.Status).To(Equal(core.CommandPickedUp))
		Expect(cmd.PickedUpAt).ToNot(BeNil())
	})

	It("should complete a picked-up command with its result", func() {
		mock.ExpectExec("UPDATE commands SET status =").
			WithArgs("cmd-1", "completed", now, "switched to us-east-1b:m5.large", "", "picked-up").
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(client.Commands.MarkResult(ctx, "cmd-1", true, "switched to us-east-1b:m5.large", now)).To(Succeed())
	})

	It("should refuse results for commands that were never picked up", func() {
		mock.ExpectExec("UPDATE commands SET status =").
			WithArgs("cmd-1", "failed", now, "", "launch failed", "picked-up").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM commands WHERE id =").
			WithArgs("cmd-1").
			WillReturnRows(sqlmock.NewRows(commandColumns).AddRow(
				"cmd-1", "agent-1", "switch", []byte(`{}`), "expired", now.Add(-time.Hour),
				now.Add(-50*time.Minute), nil, nil, "", "",
			))

		err := client.Commands.MarkResult(ctx, "cmd-1", false, "launch failed", now)
		Expect(errors.IsConflict(err)).To(BeTrue())
	})

	It("should expire pending commands past their deadline", func() {
		mock.ExpectExec("UPDATE commands SET status =").
			WithArgs("expired", "pending", now).
			WillReturnResult(sqlmock.NewResult(0, 3))

		n, err := client.Commands.ExpireStale(ctx, now)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeEquivalentTo(3))
	})
})
