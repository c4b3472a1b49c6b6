package commonregister

import (
	"context"
	"time"

	"github.com/blingmoon/taskflow/workflow"
	"github.com/pkg/errors"
)

const ApprovalDefinitionID = "approval_workflow"

// 审批工作流: 提交 -> 审核 -> (金额不超过阈值)批准 / (超过阈值)拒绝 -> 通知
// 审核节点根据 amount 和 limit 参数写出 approved, 后续走哪条分支由条件决定
const approvalDefinitionJSON = `{
	"id": "approval_workflow",
	"name": "审批工作流",
	"default_params": {"limit": 1000},
	"nodes": [
		{"id": "submit", "name": "提交申请", "processor_type": "approval.submit", "next_nodes": ["review"]},
		{
			"id": "review",
			"name": "审核",
			"type": "condition",
			"processor_type": "approval.review",
			"next_nodes": ["approve", "reject"],
			"conditions": {"approve": "review.approved", "reject": "!review.approved"}
		},
		{"id": "approve", "name": "批准", "processor_type": "approval.approve", "next_nodes": ["notify"]},
		{"id": "reject", "name": "拒绝", "processor_type": "approval.reject", "next_nodes": ["notify"]},
		{"id": "notify", "name": "通知", "type": "end", "processor_type": "approval.notify", "allow_failure": true, "next_nodes": []}
	]
}`

// ApprovalProcessors 审批工作流用到的处理器, 按处理器名称索引
func ApprovalProcessors() map[string]workflow.Processor {
	return map[string]workflow.Processor{
		"approval.submit": workflow.NewProcessor("approval.submit", func(_ context.Context, taskCtx *workflow.TaskContext) error {
			applicant, ok := taskCtx.Variables.GetString("applicant")
			if !ok {
				return errors.WithMessage(workflow.ErrTaskNonRetryable, "applicant not found")
			}
			if err := taskCtx.Output.Set([]string{"applicant"}, applicant); err != nil {
				return err
			}
			return taskCtx.Output.Set([]string{"submit_time"}, time.Now().Format(time.RFC3339))
		}),
		"approval.review": workflow.NewProcessor("approval.review", func(_ context.Context, taskCtx *workflow.TaskContext) error {
			amount, _ := taskCtx.Variables.GetFloat64("amount")
			limit, _ := taskCtx.Params.GetFloat64("limit")
			if err := taskCtx.Output.Set([]string{"reviewer"}, "manager"); err != nil {
				return err
			}
			return taskCtx.Output.Set([]string{"approved"}, amount <= limit)
		}, workflow.WithRetryPolicy(workflow.FixedDelay(2, 10*time.Millisecond))),
		"approval.approve": workflow.NewProcessor("approval.approve", func(_ context.Context, taskCtx *workflow.TaskContext) error {
			return taskCtx.Output.Set([]string{"final_status"}, "approved")
		}),
		"approval.reject": workflow.NewProcessor("approval.reject", func(_ context.Context, taskCtx *workflow.TaskContext) error {
			return taskCtx.Output.Set([]string{"final_status"}, "rejected")
		}),
		"approval.notify": workflow.NewProcessor("approval.notify", func(_ context.Context, taskCtx *workflow.TaskContext) error {
			status, ok := taskCtx.Variables.GetString("approve", "final_status")
			if !ok {
				status, _ = taskCtx.Variables.GetString("reject", "final_status")
			}
			return taskCtx.Output.Set([]string{"message"}, "application "+status)
		}),
	}
}

// ApprovalDefinition 解析审批工作流定义
func ApprovalDefinition() (*workflow.Definition, error) {
	config, err := workflow.ParseDefinitionConfig([]byte(approvalDefinitionJSON))
	if err != nil {
		return nil, errors.WithMessage(err, "parse approval definition failed")
	}
	return workflow.BuildDefinition(config)
}

// RegisterApprovalWorkflow 注册审批工作流的处理器和定义
func RegisterApprovalWorkflow(registry *workflow.ProcessorRegistry, service workflow.WorkflowService) error {
	for name, processor := range ApprovalProcessors() {
		if err := registry.Register(name, processor); err != nil {
			return errors.WithMessagef(err, "register processor %s failed", name)
		}
	}
	def, err := ApprovalDefinition()
	if err != nil {
		return err
	}
	if _, err := service.CreateWorkflow(def); err != nil {
		return errors.WithMessage(err, "create approval workflow failed")
	}
	return nil
}
