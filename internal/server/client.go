package server

import (
	"context"
	"fmt"
	"sort"

	"github.com/ChuLiYu/evalsearch/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote scheduler service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a plaintext connection to addr. The caller closes it.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) Schedule(ctx context.Context, clientID, jobID string) (bool, error) {
	out, err := c.invoke(ctx, methodSchedule, map[string]any{"client_id": clientID, "job_id": jobID})
	if err != nil {
		return false, err
	}
	return out.GetFields()["accepted"].GetBoolValue(), nil
}

func (c *Client) ScheduleResume(ctx context.Context, clientID, folderID string) (bool, error) {
	out, err := c.invoke(ctx, methodScheduleResume, map[string]any{"client_id": clientID, "folder_id": folderID})
	if err != nil {
		return false, err
	}
	return out.GetFields()["accepted"].GetBoolValue(), nil
}

func (c *Client) Terminate(ctx context.Context, clientID, jobID string) (bool, error) {
	out, err := c.invoke(ctx, methodTerminate, map[string]any{"client_id": clientID, "job_id": jobID})
	if err != nil {
		return false, err
	}
	return out.GetFields()["terminated"].GetBoolValue(), nil
}

func (c *Client) GetQueue(ctx context.Context) ([]string, error) {
	out, err := c.invoke(ctx, methodGetQueue, nil)
	if err != nil {
		return nil, err
	}
	values := out.GetFields()["jobs"].GetListValue().GetValues()
	jobs := make([]string, 0, len(values))
	for _, v := range values {
		jobs = append(jobs, v.GetStringValue())
	}
	return jobs, nil
}

// GetRunStatus returns the status of every job the client knows about.
func (c *Client) GetRunStatus(ctx context.Context, clientID string) (map[string]types.RunStatus, error) {
	out, err := c.invoke(ctx, methodGetRunStatus, map[string]any{"client_id": clientID})
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]types.RunStatus)
	for job, v := range out.GetFields()["statuses"].GetStructValue().GetFields() {
		f := v.GetStructValue().GetFields()
		statuses[job] = types.RunStatus{
			Status:  types.JobStatus(f["status"].GetStringValue()),
			Percent: f["percent"].GetNumberValue(),
		}
	}
	return statuses, nil
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

// SortedJobs returns the keys of a status map in order.
func SortedJobs(statuses map[string]types.RunStatus) []string {
	jobs := make([]string, 0, len(statuses))
	for j := range statuses {
		jobs = append(jobs, j)
	}
	sort.Strings(jobs)
	return jobs
}
